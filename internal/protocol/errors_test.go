package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrSessionFull,
		ErrSessionOver,
		ErrUnknownToken,
		ErrStageClosed,
		ErrNotEligible,
		ErrBadValue,
		ErrDuplicate,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestNewError(t *testing.T) {
	e := NewError(ErrStageClosed, "round 3 vote is closed")
	if e.Type != TypeError || e.ProtocolVersion != Version || e.Code != ErrStageClosed {
		t.Fatalf("unexpected error msg: %+v", e)
	}
}

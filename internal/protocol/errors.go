package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session routing/state.
	ErrSessionFull  = "E_SESSION_FULL"
	ErrSessionOver  = "E_SESSION_OVER"
	ErrUnknownToken = "E_UNKNOWN_TOKEN"

	// Stage layer.
	ErrStageClosed = "E_STAGE_CLOSED"
	ErrNotEligible = "E_NOT_ELIGIBLE"
	ErrBadValue    = "E_BAD_VALUE"
	ErrDuplicate   = "E_DUPLICATE"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrSessionFull:     {},
	ErrSessionOver:     {},
	ErrUnknownToken:    {},
	ErrStageClosed:     {},
	ErrNotEligible:     {},
	ErrBadValue:        {},
	ErrDuplicate:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// NewError builds an ERROR message.
func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}

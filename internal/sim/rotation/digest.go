package rotation

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

// StateDigest hashes everything that determines the next round: the
// committed round number, the rotation state, the RNG state and the
// running totals. Replays compare these per round.
func StateDigest(round int, s *State, rngState []byte, totals map[string]float64) string {
	h := sha256.New()
	var tmp [8]byte

	digestWriteU64(h, &tmp, uint64(round))
	digestStrings(h, &tmp, s.VoterIDs)
	digestStrings(h, &tmp, s.RepPoolQueue)
	digestString(h, &tmp, s.CurrentRepID)
	digestWriteU64(h, &tmp, uint64(len(s.Retired)))
	for _, r := range s.Retired {
		digestString(h, &tmp, r.ID)
		digestString(h, &tmp, string(r.Mechanism))
		digestWriteU64(h, &tmp, uint64(r.Round))
	}
	digestWriteU64(h, &tmp, uint64(s.TermRoundCounter))
	h.Write([]byte{boolByte(s.GameOver)})
	digestString(h, &tmp, s.GameOverReason)
	digestFloat(h, &tmp, s.RepCoefficient)
	digestFloat(h, &tmp, s.VoterCoefficient)
	digestString(h, &tmp, string(s.LegacyEffect))
	digestString(h, &tmp, s.LastRepID)

	digestWriteU64(h, &tmp, uint64(len(rngState)))
	h.Write(rngState)

	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	digestWriteU64(h, &tmp, uint64(len(keys)))
	for _, k := range keys {
		digestString(h, &tmp, k)
		digestFloat(h, &tmp, totals[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func digestWriteU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestFloat(h hashWriter, tmp *[8]byte, v float64) {
	digestWriteU64(h, tmp, math.Float64bits(v))
}

func digestString(h hashWriter, tmp *[8]byte, s string) {
	digestWriteU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}

func digestStrings(h hashWriter, tmp *[8]byte, xs []string) {
	digestWriteU64(h, tmp, uint64(len(xs)))
	for _, s := range xs {
		digestString(h, tmp, s)
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

package match

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
)

// rng is a deterministic byte stream: round r is
// HMAC-SHA256(seed, matchID ":" r). Two sessions with the same seed and
// match id draw identical sequences.
type rng struct {
	seed    []byte
	matchID string
	round   uint64
	buf     [sha256.Size]byte
	cursor  int
}

func newRNG(seed, matchID string) *rng {
	return &rng{seed: []byte(seed), matchID: matchID, cursor: sha256.Size}
}

func (r *rng) refill() {
	h := hmac.New(sha256.New, r.seed)
	h.Write([]byte(r.matchID))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.FormatUint(r.round, 10)))
	copy(r.buf[:], h.Sum(nil))
	r.round++
	r.cursor = 0
}

func (r *rng) next4() uint32 {
	if r.cursor+4 > len(r.buf) {
		r.refill()
	}
	v := binary.BigEndian.Uint32(r.buf[r.cursor:])
	r.cursor += 4
	return v
}

// Float64 returns a value in [0, 1).
func (r *rng) Float64() float64 {
	return float64(r.next4()) / (1 << 32)
}

// Chance reports true with probability p.
func (r *rng) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		r.next4()
		return true
	}
	return r.Float64() < p
}

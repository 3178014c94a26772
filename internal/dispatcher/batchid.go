package dispatcher

import (
	"math/rand/v2"
	"strconv"
	"time"
)

const (
	base36Digits      = "0123456789abcdefghijklmnopqrstuvwxyz"
	batchSuffixLength = 9
	isoMillisLayout   = "2006-01-02T15:04:05.000Z"
)

// Random is the source of batch ID suffixes; *rand.Rand satisfies it
type Random interface {
	IntN(n int) int
}

type globalRandom struct{}

func (globalRandom) IntN(n int) int { return rand.IntN(n) }

// NewBatchID returns "batch_<unix millis>_<9 random base36 digits>".
// A nil r uses the process-wide generator, which is safe for concurrent use.
func NewBatchID(now time.Time, r Random) string {
	if r == nil {
		r = globalRandom{}
	}
	suffix := make([]byte, batchSuffixLength)
	for i := range suffix {
		suffix[i] = base36Digits[r.IntN(len(base36Digits))]
	}
	return "batch_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + string(suffix)
}

// TrackingID derives the per-dispatch tracking ID from a batch ID
func TrackingID(batchID string, now time.Time) string {
	return batchID + "_" + strconv.FormatInt(now.UnixMilli(), 10)
}

func isoMillis(t time.Time) string {
	return t.UTC().Format(isoMillisLayout)
}

package dispatcher

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var batchIDPattern = regexp.MustCompile(`^batch_(\d+)_([0-9a-z]{9})$`)

func TestNewBatchIDFormat(t *testing.T) {
	now := time.UnixMilli(1717171717171)

	id := NewBatchID(now, rand.New(rand.NewPCG(1, 2)))

	m := batchIDPattern.FindStringSubmatch(id)
	require.NotNil(t, m, id)
	assert.Equal(t, strconv.FormatInt(now.UnixMilli(), 10), m[1])
}

func TestNewBatchIDIsUnique(t *testing.T) {
	now := time.UnixMilli(1717171717171)
	const n = 10000

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/8; i++ {
				id := NewBatchID(now, nil)
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestTrackingID(t *testing.T) {
	now := time.UnixMilli(1717171717999)
	assert.Equal(t, "batch_test_1_1717171717999", TrackingID("batch_test_1", now))
}

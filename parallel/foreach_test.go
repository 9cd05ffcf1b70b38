package parallel

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForEachVisitsEveryIndexOnce(t *testing.T) {
	for _, limit := range []int{0, 1, 3, 64} {
		seen := make([]int32, 100)
		ForEach(len(seen), limit, func(i int) {
			atomic.AddInt32(&seen[i], 1)
		})
		for i, n := range seen {
			assert.Equal(t, int32(1), n, "index %d with limit %d", i, limit)
		}
	}
}

func TestForEachBoundsConcurrency(t *testing.T) {
	var running, peak int32
	ForEach(50, 4, func(i int) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		atomic.AddInt32(&running, -1)
	})
	assert.LessOrEqual(t, peak, int32(4))
}

func TestForEachErrReturnsLowestIndex(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	err := ForEachErr(10, 4, func(i int) error {
		switch i {
		case 3:
			return errA
		case 7:
			return errB
		}
		return nil
	})
	assert.ErrorIs(t, err, errA)
	assert.NoError(t, ForEachErr(0, 4, nil))
}

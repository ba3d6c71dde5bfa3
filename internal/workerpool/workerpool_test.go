package workerpool_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/persona-id/ha-mysql-failover/internal/workerpool"
)

func TestEnsureCapacityGrowsOnlyWhenNeeded(t *testing.T) {
	t.Parallel()

	p := workerpool.New(1)
	assert.Equal(t, 1, p.Size())

	p.EnsureCapacity(1)
	assert.Equal(t, 1, p.Size())

	p.EnsureCapacity(4)
	assert.Equal(t, 4, p.Size())

	// Never shrinks back down.
	p.EnsureCapacity(2)
	assert.Equal(t, 4, p.Size())
}

func TestSubmitRunsAllTasksConcurrently(t *testing.T) {
	t.Parallel()

	p := workerpool.New(1)
	p.EnsureCapacity(5)

	var done int32

	for i := 0; i < 5; i++ {
		p.Submit(func() {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&done, 1)
		})
	}

	p.Wait()
	assert.EqualValues(t, 5, atomic.LoadInt32(&done))
}

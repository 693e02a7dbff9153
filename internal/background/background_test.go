package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunner_WaitsForTasks(t *testing.T) {
	r := NewRunner(context.Background())
	var ran int32

	for i := 0; i < 5; i++ {
		r.Go("count", func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}

	assert.True(t, r.Wait(time.Second))
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

func TestRunner_ErrorsAndPanicsAreContained(t *testing.T) {
	r := NewRunner(context.Background())

	r.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	r.Go("panics", func(ctx context.Context) error { panic("kaboom") })

	assert.True(t, r.Wait(time.Second))
}

func TestRunner_WaitTimeout(t *testing.T) {
	r := NewRunner(context.Background())
	block := make(chan struct{})
	defer close(block)

	r.Go("blocked", func(ctx context.Context) error {
		<-block
		return nil
	})

	assert.False(t, r.Wait(10*time.Millisecond))
}

func TestInitSentry_EmptyDSN(t *testing.T) {
	assert.NoError(t, InitSentry("", "", ""))
	Report("noop", nil)
}

package pricing

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncer_BurstCollapsesToOneRun(t *testing.T) {
	d := NewDebouncer()
	defer d.Stop()

	var runs int64
	for i := 0; i < 5; i++ {
		d.Schedule("item-1", 20*time.Millisecond, func() {
			atomic.AddInt64(&runs, 1)
		})
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))
	assert.Equal(t, 0, d.PendingCount())
}

func TestDebouncer_PerItemIsolation(t *testing.T) {
	d := NewDebouncer()
	defer d.Stop()

	var a, b int64
	d.Schedule("item-a", 10*time.Millisecond, func() { atomic.AddInt64(&a, 1) })
	d.Schedule("item-b", 10*time.Millisecond, func() { atomic.AddInt64(&b, 1) })
	assert.Equal(t, 2, d.PendingCount())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&a))
	assert.Equal(t, int64(1), atomic.LoadInt64(&b))
}

func TestDebouncer_Cancel(t *testing.T) {
	d := NewDebouncer()
	defer d.Stop()

	var runs int64
	d.Schedule("item-1", 10*time.Millisecond, func() { atomic.AddInt64(&runs, 1) })
	d.Cancel("item-1")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&runs))
}

func TestDebouncer_StopRejectsFurtherScheduling(t *testing.T) {
	d := NewDebouncer()

	var runs int64
	d.Schedule("item-1", 10*time.Millisecond, func() { atomic.AddInt64(&runs, 1) })
	d.Stop()
	d.Schedule("item-2", time.Millisecond, func() { atomic.AddInt64(&runs, 1) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&runs))
	assert.Equal(t, 0, d.PendingCount())
}

func TestDebouncer_RescheduleResetsWindow(t *testing.T) {
	d := NewDebouncer()
	defer d.Stop()

	var fired atomic.Bool
	d.Schedule("item-1", 40*time.Millisecond, func() { fired.Store(true) })
	time.Sleep(25 * time.Millisecond)
	d.Schedule("item-1", 40*time.Millisecond, func() { fired.Store(true) })

	// The original deadline has passed but the window was reset.
	time.Sleep(25 * time.Millisecond)
	assert.False(t, fired.Load())

	time.Sleep(40 * time.Millisecond)
	assert.True(t, fired.Load())
}

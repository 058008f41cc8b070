package observability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsHooks(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)

	var ran int32
	sm.Register("sweeper", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	sm.Register("database", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	sm.Register("ignored", nil)

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, int32(2), atomic.LoadInt32(&ran))
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(nil, nil, time.Second)
	sm.Register("redis", func(ctx context.Context) error { return errors.New("close failed") })
	sm.Register("panics", func(ctx context.Context) error { panic("bad hook") })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: close failed")
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, 20*time.Millisecond)
	sm.Register("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestShutdownManager_Trigger(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)
	done := make(chan error, 1)
	go func() { done <- sm.WaitForShutdown() }()

	sm.Trigger()
	sm.Trigger()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown did not return after Trigger")
	}
}

package expiry

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/pacs-cache/cache"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSweeper) Sweep(context.Context) (*cache.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &cache.SweepResult{Removed: f.calls}, nil
}

func (f *fakeSweeper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestManager_RunsOnStartAndTicks(t *testing.T) {
	sweeper := &fakeSweeper{}
	m := NewManager(sweeper, Config{CheckInterval: 10 * time.Millisecond})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return sweeper.Calls() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	calls := sweeper.Calls()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, calls, sweeper.Calls())
	require.NotNil(t, m.LastRun())
}

func TestManager_SkipInitial(t *testing.T) {
	sweeper := &fakeSweeper{}
	m := NewManager(sweeper, Config{CheckInterval: time.Hour, SkipInitial: true})

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	require.Zero(t, sweeper.Calls())
	require.Nil(t, m.LastRun())
}

func TestManager_StopsOnContextCancel(t *testing.T) {
	sweeper := &fakeSweeper{}
	m := NewManager(sweeper, Config{CheckInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool { return sweeper.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	// Stop must not block once the loop has exited.
	m.Stop()
}

func TestManager_RunOnceError(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("boom")}
	m := NewManager(sweeper, DefaultConfig())

	require.Nil(t, m.RunOnce(context.Background()))
	require.Nil(t, m.LastRun())
}

func TestManager_SweepsCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store, err := cache.Open(ctx, cache.Config{Dir: t.TempDir(), MaxSize: 1000, RetentionDays: 1, NoSync: true}, cache.WithNow(clock))
	require.NoError(t, err)
	defer store.Close()

	r, err := store.Reserve(ctx, "1.2.3", 10)
	require.NoError(t, err)
	_, err = r.Put(ctx, "1.2.3.1", "1.2.3.1.1", bytes.NewReader(make([]byte, 10)))
	require.NoError(t, err)
	_, err = store.Commit(ctx, r, cache.StudyMeta{})
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)

	m := NewManager(store, DefaultConfig())
	result := m.RunOnce(ctx)
	require.NotNil(t, result)
	require.Equal(t, 1, result.Removed)

	u, err := store.Usage(ctx)
	require.NoError(t, err)
	require.Zero(t, u.Entries)
}

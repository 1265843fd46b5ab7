package mcp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/mcpbridge/internal/metrics"
	"github.com/BaSui01/mcpbridge/types"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig) (*Registry, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	logger := zaptest.NewLogger(t)
	r := NewRegistry(cfg, metrics.NewCollector("mcpbridge", reg, logger), logger)
	t.Cleanup(func() { r.CloseAll(CloseReasonShutdown) })
	return r, reg
}

func drain(s *Session) []string {
	var out []string
	for {
		select {
		case ev := <-s.Events():
			out = append(out, string(ev))
		default:
			return out
		}
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	r, reg := newTestRegistry(t, RegistryConfig{QueueSize: 4})

	rc := types.NewRequestContext(nil, nil)
	s := r.Create(rc)
	_, err := uuid.Parse(s.ID())
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, s.State())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, float64(1), metricValue(t, reg, "mcpbridge_sessions_open", nil))

	// events may be queued before the stream is fully open
	require.NoError(t, r.Enqueue(s.ID(), []byte("early")))
	s.MarkOpen()
	assert.Equal(t, StateOpen, s.State())
	require.NoError(t, r.Enqueue(s.ID(), []byte("late")))
	assert.Equal(t, []string{"early", "late"}, drain(s))

	r.Close(s.ID(), CloseReasonDisconnect)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, r.Len())
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}

	// closed ids are no longer resolvable and report SessionClosed
	_, err = r.LookupContext(s.ID())
	assert.True(t, types.IsErrorCode(err, types.ErrSessionClosed))
	err = r.Enqueue(s.ID(), []byte("after"))
	assert.True(t, types.IsErrorCode(err, types.ErrSessionClosed))

	// closing twice is harmless
	r.Close(s.ID(), CloseReasonDisconnect)
	assert.Equal(t, float64(0), metricValue(t, reg, "mcpbridge_sessions_open", nil))
	assert.Equal(t, float64(1), metricValue(t, reg, "mcpbridge_sessions_closed_total",
		map[string]string{"reason": CloseReasonDisconnect}))
}

func TestRegistry_UnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	other := r.Create(types.RequestContext{})

	id := uuid.NewString()
	_, err := r.Get(id)
	assert.True(t, types.IsErrorCode(err, types.ErrSessionNotFound))
	assert.True(t, types.IsErrorCode(r.Enqueue(id, []byte("x")), types.ErrSessionNotFound))
	assert.True(t, types.IsErrorCode(r.Submit(context.Background(), id, func() {}), types.ErrSessionNotFound))

	// nothing leaked into the live session
	assert.Empty(t, drain(other))
}

func TestRegistry_LookupContext(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	rc := types.NewRequestContext(map[string][]string{"X-Api-Key": {"k1"}}, nil)
	s := r.Create(rc)

	got, err := r.LookupContext(s.ID())
	require.NoError(t, err)
	assert.Equal(t, "k1", got.Header("X-API-Key"))
}

func TestRegistry_Isolation(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{QueueSize: 16})
	a := r.Create(types.RequestContext{})
	b := r.Create(types.RequestContext{})

	require.NoError(t, r.Enqueue(a.ID(), []byte("a1")))
	require.NoError(t, r.Enqueue(b.ID(), []byte("b1")))
	require.NoError(t, r.Enqueue(a.ID(), []byte("a2")))

	r.Close(a.ID(), CloseReasonDisconnect)

	// closing a does not touch b's pending events
	assert.Equal(t, []string{"b1"}, drain(b))
	assert.Empty(t, drain(a), "events of a closed session are discarded")
	assert.NotEqual(t, StateClosed, b.State())
}

func TestRegistry_OverflowClosesSession(t *testing.T) {
	r, reg := newTestRegistry(t, RegistryConfig{QueueSize: 2})
	s := r.Create(types.RequestContext{})

	require.NoError(t, r.Enqueue(s.ID(), []byte("1")))
	require.NoError(t, r.Enqueue(s.ID(), []byte("2")))
	err := r.Enqueue(s.ID(), []byte("3"))
	assert.True(t, types.IsErrorCode(err, types.ErrSessionClosed))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, float64(1), metricValue(t, reg, "mcpbridge_session_events_dropped_total", nil))
	assert.Equal(t, float64(1), metricValue(t, reg, "mcpbridge_sessions_closed_total",
		map[string]string{"reason": CloseReasonOverflow}))
}

func TestRegistry_SubmitRunsInOrder(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{QueueSize: 64})
	s := r.Create(types.RequestContext{})

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, r.Submit(context.Background(), s.ID(), func() {
			defer wg.Done()
			// 越早提交的任务睡得越久，仍必须先完成
			time.Sleep(time.Duration(20-i) * 100 * time.Microsecond)
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestRegistry_SubmitRespectsContextWhenFull(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{QueueSize: 1})
	s := r.Create(types.RequestContext{})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, r.Submit(context.Background(), s.ID(), func() {
		close(started)
		<-release
	}))
	<-started
	// fills the single slot while the worker is busy
	require.NoError(t, r.Submit(context.Background(), s.ID(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Submit(ctx, s.ID(), func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestRegistry_SweepIdle(t *testing.T) {
	r, reg := newTestRegistry(t, RegistryConfig{IdleTimeout: time.Minute})
	now := time.Now()
	r.now = func() time.Time { return now }

	idle := r.Create(types.RequestContext{})
	busy := r.Create(types.RequestContext{})

	now = now.Add(45 * time.Second)
	require.NoError(t, r.Enqueue(busy.ID(), []byte("ping")))

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, StateClosed, idle.State())
	assert.NotEqual(t, StateClosed, busy.State())
	assert.Equal(t, float64(1), metricValue(t, reg, "mcpbridge_sessions_closed_total",
		map[string]string{"reason": CloseReasonIdle}))

	// tombstones are forgotten eventually
	_, err := r.Get(idle.ID())
	assert.True(t, types.IsErrorCode(err, types.ErrSessionClosed))
	now = now.Add(tombstoneTTL + time.Minute)
	r.Sweep()
	_, err = r.Get(idle.ID())
	assert.True(t, types.IsErrorCode(err, types.ErrSessionNotFound))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{QueueSize: 1024})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := r.Create(types.RequestContext{})
			for j := 0; j < 50; j++ {
				_ = r.Enqueue(s.ID(), []byte(fmt.Sprintf("%d-%d", i, j)))
				_, _ = r.LookupContext(s.ID())
			}
			if i%2 == 0 {
				r.Close(s.ID(), CloseReasonDisconnect)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, r.Len())

	r.CloseAll(CloseReasonShutdown)
	assert.Equal(t, 0, r.Len())
}

package mcp

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/mcpbridge/internal/metrics"
	"github.com/BaSui01/mcpbridge/types"
)

// SessionState 会话生命周期状态
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// 关闭原因，作为 sessions_closed_total 的 reason 标签
const (
	CloseReasonDisconnect = "client_disconnect"
	CloseReasonWriteError = "write_error"
	CloseReasonIdle       = "idle_timeout"
	CloseReasonOverflow   = "queue_overflow"
	CloseReasonShutdown   = "shutdown"
)

// Session 绑定一条流式连接与其捕获的请求上下文。
type Session struct {
	id      string
	rc      types.RequestContext
	created time.Time

	mu    sync.Mutex
	state SessionState

	lastActive atomic.Int64
	outbound   chan []byte
	jobs       chan func()
	done       chan struct{}
}

// ID 会话 ID（UUIDv4）
func (s *Session) ID() string { return s.id }

// Context 返回建立连接时捕获的请求上下文
func (s *Session) Context() types.RequestContext { return s.rc }

// State 当前状态
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events 按入队顺序输出待发送事件
func (s *Session) Events() <-chan []byte { return s.outbound }

// Done 会话关闭后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// MarkOpen moves a connecting session to Open once the endpoint event is out.
func (s *Session) MarkOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateOpen
	}
}

func (s *Session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// enqueue never blocks. ok is false when the queue is full.
func (s *Session) enqueue(event []byte) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateClosing {
		return false, types.Errorf(types.ErrSessionClosed, "session %s is closed", s.id)
	}
	select {
	case s.outbound <- event:
		return true, nil
	default:
		return false, nil
	}
}

// close runs Closing then Closed exactly once and drops undelivered events.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	close(s.done)
	s.mu.Unlock()

	for {
		select {
		case <-s.outbound:
		default:
			s.mu.Lock()
			s.state = StateClosed
			s.mu.Unlock()
			return true
		}
	}
}

// run executes submitted jobs one at a time until the session closes.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case job := <-s.jobs:
			select {
			case <-s.done:
				return
			default:
			}
			job()
		}
	}
}

// =============================================================================
// 🗂️ 会话注册表
// =============================================================================

// RegistryConfig 会话注册表配置
type RegistryConfig struct {
	// QueueSize 每个会话出站事件与待处理请求的容量
	QueueSize int
	// IdleTimeout 无请求活动多久后关闭会话，0 表示不回收
	IdleTimeout time.Duration
}

// tombstoneTTL 关闭后的 ID 仍按 410 应答的最短时间
const tombstoneTTL = 10 * time.Minute

// Registry 是跨并发执行共享的唯一状态，所有方法并发安全。
type Registry struct {
	config  RegistryConfig
	metrics *metrics.Collector
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	// closed 记录最近关闭的 ID，用于区分 410 与 404
	closed map[string]time.Time

	now func() time.Time
}

// NewRegistry 创建会话注册表
func NewRegistry(config RegistryConfig, m *metrics.Collector, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	return &Registry{
		config:   config,
		metrics:  m,
		logger:   logger.With(zap.String("component", "mcp_sessions")),
		sessions: make(map[string]*Session),
		closed:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Create registers a new session in the Connecting state and starts its worker.
func (r *Registry) Create(rc types.RequestContext) *Session {
	now := r.now()
	s := &Session{
		id:       uuid.NewString(),
		rc:       rc,
		created:  now,
		state:    StateConnecting,
		outbound: make(chan []byte, r.config.QueueSize),
		jobs:     make(chan func(), r.config.QueueSize),
		done:     make(chan struct{}),
	}
	s.touch(now)

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	go s.run()
	r.metrics.SessionOpened()
	r.logger.Debug("session created", zap.String("session_id", s.id))
	return s
}

// Get resolves a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if _, ok := r.closed[id]; ok {
		return nil, types.Errorf(types.ErrSessionClosed, "session %s is closed", id).WithHTTPStatus(http.StatusGone)
	}
	return nil, types.Errorf(types.ErrSessionNotFound, "session %s not found", id).WithHTTPStatus(http.StatusNotFound)
}

// LookupContext returns the request context captured when the session connected.
func (r *Registry) LookupContext(id string) (types.RequestContext, error) {
	s, err := r.Get(id)
	if err != nil {
		return types.RequestContext{}, err
	}
	return s.Context(), nil
}

// Enqueue appends an outbound event. A full queue means the consumer is not
// keeping up, so the session is closed and the event counted as dropped.
func (r *Registry) Enqueue(id string, event []byte) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	ok, err := s.enqueue(event)
	if err != nil {
		return err
	}
	if !ok {
		r.metrics.RecordDroppedEvent()
		r.logger.Warn("session queue overflow, closing slow consumer",
			zap.String("session_id", id),
			zap.Int("queue_size", r.config.QueueSize),
		)
		r.Close(id, CloseReasonOverflow)
		return types.Errorf(types.ErrSessionClosed, "session %s closed: outbound queue full", id)
	}
	s.touch(r.now())
	return nil
}

// Submit queues job on the session's worker so requests of one session run in
// acceptance order. It blocks while the work queue is full until ctx is done.
func (r *Registry) Submit(ctx context.Context, id string, job func()) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.touch(r.now())
	select {
	case s.jobs <- job:
		return nil
	case <-s.done:
		return types.Errorf(types.ErrSessionClosed, "session %s is closed", id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close removes the session. Pending events are discarded. Safe to call repeatedly.
func (r *Registry) Close(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.closed[id] = r.now()
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if s.close() {
		r.metrics.SessionClosed(reason)
		r.logger.Debug("session closed",
			zap.String("session_id", id),
			zap.String("reason", reason),
			zap.Duration("age", r.now().Sub(s.created)),
		)
	}
}

// CloseAll closes every live session.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(id, reason)
	}
}

// Sweep closes idle sessions and forgets old tombstones. Returns the number closed.
func (r *Registry) Sweep() int {
	now := r.now()
	tombstoneCutoff := now.Add(-max(r.config.IdleTimeout, tombstoneTTL))

	var idle []string
	r.mu.Lock()
	if r.config.IdleTimeout > 0 {
		cutoff := now.Add(-r.config.IdleTimeout)
		for id, s := range r.sessions {
			if s.idleSince().Before(cutoff) {
				idle = append(idle, id)
			}
		}
	}
	for id, at := range r.closed {
		if at.Before(tombstoneCutoff) {
			delete(r.closed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.Close(id, CloseReasonIdle)
	}
	if len(idle) > 0 {
		r.logger.Info("reaped idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps periodically until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := tombstoneTTL / 4
	if r.config.IdleTimeout > 0 {
		interval = max(r.config.IdleTimeout/4, time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len 当前存活会话数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

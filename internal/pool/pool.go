// Package pool 提供基于 sync.Pool 的泛型对象池，以及 JSON-RPC 消息编码共用的缓冲区池。
package pool

import (
	"bytes"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Pool is a generic object pool.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T) bool

	// Metrics
	gets  atomic.Int64
	puts  atomic.Int64
	news  atomic.Int64
	drops atomic.Int64
}

// NewPool creates a new object pool. reset prepares an object for reuse and
// reports whether it should go back into the pool at all.
func NewPool[T any](newFunc func() T, reset func(T) bool) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put returns an object to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil && !p.reset(obj) {
		p.drops.Add(1)
		return
	}
	p.puts.Add(1)
	p.pool.Put(obj)
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Gets:  p.gets.Load(),
		Puts:  p.puts.Load(),
		News:  p.news.Load(),
		Drops: p.drops.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Gets  int64 `json:"gets"`
	Puts  int64 `json:"puts"`
	News  int64 `json:"news"`
	Drops int64 `json:"drops"`
}

// HitRate returns the share of Gets served without allocating.
func (s Stats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// =============================================================================
// 📦 缓冲区池
// =============================================================================

// MaxPooledBuffer 超过该容量的缓冲区不回收，避免一次大响应长期占用内存
const MaxPooledBuffer = 1 << 20

// Buffers provides pooled byte buffers.
var Buffers = NewPool(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
	func(b *bytes.Buffer) bool {
		if b.Cap() > MaxPooledBuffer {
			return false
		}
		b.Reset()
		return true
	},
)

// EncodeJSON marshals v without HTML escaping and without the trailing
// newline json.Encoder appends. The returned slice is owned by the caller.
func EncodeJSON(v any) ([]byte, error) {
	buf := Buffers.Get()
	defer Buffers.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return append([]byte(nil), out...), nil
}

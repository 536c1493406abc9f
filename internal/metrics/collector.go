// Package metrics counts completion and store calls of an openchat process.
// The numbers are served by /stats and printed by "openchat usage".
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics aggregates one operation name.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Completions only
	TotalInputTokens  int64
	TotalOutputTokens int64
	MinInputTokens    int64
	MaxInputTokens    int64
	MinOutputTokens   int64
	MaxOutputTokens   int64
}

// OperationSnapshot is the JSON form of OperationMetrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	TotalTimeMs int64   `json:"totalTimeMs"`
	AvgTimeMs   float64 `json:"avgTimeMs"`
	MinTimeMs   int64   `json:"minTimeMs"`
	MaxTimeMs   int64   `json:"maxTimeMs"`

	// Nil for store operations
	TotalInputTokens  *int64   `json:"totalInputTokens,omitempty"`
	TotalOutputTokens *int64   `json:"totalOutputTokens,omitempty"`
	AvgInputTokens    *float64 `json:"avgInputTokens,omitempty"`
	AvgOutputTokens   *float64 `json:"avgOutputTokens,omitempty"`
	MinInputTokens    *int64   `json:"minInputTokens,omitempty"`
	MaxInputTokens    *int64   `json:"maxInputTokens,omitempty"`
	MinOutputTokens   *int64   `json:"minOutputTokens,omitempty"`
	MaxOutputTokens   *int64   `json:"maxOutputTokens,omitempty"`
}

// Snapshot is everything the process recorded since start.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptimeSeconds"`
	LLMStream     *OperationSnapshot `json:"llmStream,omitempty"`
	LLMComplete   *OperationSnapshot `json:"llmComplete,omitempty"`
	StoreWrite    *OperationSnapshot `json:"storeWrite,omitempty"`
	StoreRead     *OperationSnapshot `json:"storeRead,omitempty"`
}

// Operation names.
const (
	OpLLMStream   = "llm_stream"
	OpLLMComplete = "llm_complete"
	OpStoreWrite  = "store_write"
	OpStoreRead   = "store_read"
)

// Collector is safe for concurrent use. A nil *Collector ignores every call,
// so stores and providers can run without one.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector starts the uptime clock.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// op returns the aggregate for name, creating it on first use. Caller holds mu.
func (c *Collector) op(name string) *OperationMetrics {
	m, ok := c.ops[name]
	if !ok {
		m = &OperationMetrics{
			MinTime:         time.Duration(math.MaxInt64),
			MinInputTokens:  math.MaxInt64,
			MinOutputTokens: math.MaxInt64,
		}
		c.ops[name] = m
	}
	return m
}

func (m *OperationMetrics) observe(d time.Duration) {
	m.Count++
	m.TotalTime += d
	m.MinTime = min(m.MinTime, d)
	m.MaxTime = max(m.MaxTime, d)
}

// RecordTiming records one successful store or completion call.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.op(op).observe(duration)
}

// RecordError counts a failed operation. Failures carry no timing.
func (c *Collector) RecordError(op string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.op(op).Errors++
}

// RecordLLMUsage records a finished reply or title completion with its
// token counts.
func (c *Collector) RecordLLMUsage(op string, duration time.Duration, inputTokens, outputTokens int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.op(op)
	m.observe(duration)

	m.TotalInputTokens += inputTokens
	m.TotalOutputTokens += outputTokens
	m.MinInputTokens = min(m.MinInputTokens, inputTokens)
	m.MaxInputTokens = max(m.MaxInputTokens, inputTokens)
	m.MinOutputTokens = min(m.MinOutputTokens, outputTokens)
	m.MaxOutputTokens = max(m.MaxOutputTokens, outputTokens)
}

// snapshotOp summarizes m, nil when nothing was recorded.
func snapshotOp(m *OperationMetrics, withTokens bool) *OperationSnapshot {
	if m == nil || (m.Count == 0 && m.Errors == 0) {
		return nil
	}

	snap := &OperationSnapshot{Count: m.Count, Errors: m.Errors}
	if m.Count == 0 {
		return snap
	}

	snap.TotalTimeMs = m.TotalTime.Milliseconds()
	snap.AvgTimeMs = float64(snap.TotalTimeMs) / float64(m.Count)
	snap.MinTimeMs = m.MinTime.Milliseconds()
	snap.MaxTimeMs = m.MaxTime.Milliseconds()

	if !withTokens || (m.TotalInputTokens == 0 && m.TotalOutputTokens == 0) {
		return snap
	}

	avgIn := float64(m.TotalInputTokens) / float64(m.Count)
	avgOut := float64(m.TotalOutputTokens) / float64(m.Count)
	snap.TotalInputTokens = ptr(m.TotalInputTokens)
	snap.TotalOutputTokens = ptr(m.TotalOutputTokens)
	snap.AvgInputTokens = &avgIn
	snap.AvgOutputTokens = &avgOut
	snap.MinInputTokens = ptr(unset(m.MinInputTokens))
	snap.MaxInputTokens = ptr(m.MaxInputTokens)
	snap.MinOutputTokens = ptr(unset(m.MinOutputTokens))
	snap.MaxOutputTokens = ptr(m.MaxOutputTokens)
	return snap
}

func ptr(v int64) *int64 { return &v }

// unset maps the initial minimum back to zero.
func unset(v int64) int64 {
	if v == math.MaxInt64 {
		return 0
	}
	return v
}

// Snapshot copies the current aggregates.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		LLMStream:     snapshotOp(c.ops[OpLLMStream], true),
		LLMComplete:   snapshotOp(c.ops[OpLLMComplete], true),
		StoreWrite:    snapshotOp(c.ops[OpStoreWrite], false),
		StoreRead:     snapshotOp(c.ops[OpStoreRead], false),
	}
}

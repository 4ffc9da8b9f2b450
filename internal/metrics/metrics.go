// Package metrics records one MetricRecord per agent invocation. Recorders
// are append-only: nothing here updates or deletes a recorded entry.
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Agent types and operations recorded by the invoker.
const (
	AgentTypeImplementation = "implementation"
	AgentTypeReview         = "review"
	AgentTypeTest           = "test"

	OperationImplement = "implement"
	OperationReview    = "review"
	OperationTest      = "test"
)

// MetricRecord describes a single logical agent invocation, retries included.
type MetricRecord struct {
	AgentID   string            `json:"agent_id"`
	AgentType string            `json:"agent_type"`
	Operation string            `json:"operation"`
	Duration  time.Duration     `json:"duration"`
	Success   bool              `json:"success"`
	Score     float64           `json:"score"`
	Attempts  int               `json:"attempts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Recorder appends metric records.
type Recorder interface {
	Append(ctx context.Context, rec MetricRecord) error
}

// Nop discards every record.
type Nop struct{}

// Append implements Recorder.
func (Nop) Append(context.Context, MetricRecord) error { return nil }

// Filter selects records in MemoryRecorder.Query. Empty fields match all.
type Filter struct {
	AgentType string
	TaskID    string
}

func (f Filter) match(rec MetricRecord) bool {
	if f.AgentType != "" && rec.AgentType != f.AgentType {
		return false
	}
	if f.TaskID != "" && rec.Metadata["task_id"] != f.TaskID {
		return false
	}
	return true
}

// MemoryRecorder keeps records in process.
type MemoryRecorder struct {
	mu      sync.RWMutex
	records []MetricRecord
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Append implements Recorder.
func (m *MemoryRecorder) Append(_ context.Context, rec MetricRecord) error {
	rec.Metadata = cloneMeta(rec.Metadata)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything recorded so far, oldest first.
func (m *MemoryRecorder) Records() []MetricRecord {
	return m.Query(Filter{})
}

// Query returns the records matching f, oldest first.
func (m *MemoryRecorder) Query(f Filter) []MetricRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MetricRecord, 0, len(m.records))
	for _, rec := range m.records {
		if f.match(rec) {
			rec.Metadata = cloneMeta(rec.Metadata)
			out = append(out, rec)
		}
	}
	return out
}

// MultiRecorder appends to every recorder and joins their errors.
type MultiRecorder []Recorder

// Append implements Recorder.
func (m MultiRecorder) Append(ctx context.Context, rec MetricRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

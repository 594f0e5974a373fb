package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// MemoryStore keeps everything in maps. Values are stored serialized so
// callers never share memory with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string][]byte
	executions map[string][]byte
	summaries  map[string]schema.ExecutionSummary
	events     map[string][]*schema.ExecutionEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string][]byte),
		executions: make(map[string][]byte),
		summaries:  make(map[string]schema.ExecutionSummary),
		events:     make(map[string][]*schema.ExecutionEvent),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// --- Workflows ---

func (s *MemoryStore) CreateWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[def.Name]; ok {
		return duplicateName(def.Name)
	}
	now := time.Now().UTC()
	def.Version = 1
	def.CreatedAt, def.UpdatedAt = now, now
	data, err := xjson.Marshal(def)
	if err != nil {
		return storeErr("marshal workflow", err)
	}
	s.workflows[def.Name] = data
	return nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.workflows[def.Name]
	if !ok {
		return notFound("workflow", def.Name)
	}
	var prev schema.WorkflowDefinition
	if err := xjson.Unmarshal(data, &prev); err != nil {
		return storeErr("unmarshal workflow", err)
	}
	def.Version = prev.Version + 1
	def.CreatedAt = prev.CreatedAt
	def.UpdatedAt = time.Now().UTC()
	next, err := xjson.Marshal(def)
	if err != nil {
		return storeErr("marshal workflow", err)
	}
	s.workflows[def.Name] = next
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, name string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	data, ok := s.workflows[name]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("workflow", name)
	}
	var def schema.WorkflowDefinition
	if err := xjson.Unmarshal(data, &def); err != nil {
		return nil, storeErr("unmarshal workflow", err)
	}
	return &def, nil
}

func (s *MemoryStore) ListWorkflowNames(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.workflows))
	for name := range s.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[name]; !ok {
		return notFound("workflow", name)
	}
	delete(s.workflows, name)
	return nil
}

// --- Executions ---

func (s *MemoryStore) SaveExecution(_ context.Context, rec *schema.ExecutionRecord) error {
	data, err := xjson.Marshal(rec)
	if err != nil {
		return storeErr("marshal execution", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[rec.ExecutionID] = data
	s.summaries[rec.ExecutionID] = rec.Summary()
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*schema.ExecutionRecord, error) {
	s.mu.RLock()
	data, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("execution", id)
	}
	var rec schema.ExecutionRecord
	if err := xjson.Unmarshal(data, &rec); err != nil {
		return nil, storeErr("unmarshal execution", err)
	}
	return &rec, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter schema.ExecutionFilter) ([]schema.ExecutionSummary, error) {
	s.mu.RLock()
	out := make([]schema.ExecutionSummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		if matchesFilter(sum, filter) {
			out = append(out, sum)
		}
	}
	s.mu.RUnlock()
	return sortAndLimit(out, filter.Limit), nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(_ context.Context, ev *schema.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[ev.ExecutionID]
	ev.ID = int64(len(log) + 1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	cp := *ev
	cp.Payload = append(xjson.RawMessage(nil), ev.Payload...)
	s.events[ev.ExecutionID] = append(log, &cp)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, executionID string, since int64) ([]*schema.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.ExecutionEvent
	for _, ev := range s.events[executionID] {
		if ev.ID > since {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// sortAndLimit orders summaries newest first, breaking ties by id.
func sortAndLimit(out []schema.ExecutionSummary, limit int) []schema.ExecutionSummary {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.After(out[j].ExecutedAt)
		}
		return out[i].ExecutionID > out[j].ExecutionID
	})
	if n := effectiveLimit(limit); n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

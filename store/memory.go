package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-orchestrator/model"
)

// MemoryStore keeps every row in process memory behind one lock.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*model.ProcessDefinition
	processes   map[string]*model.ProcessExecution
	activities  map[string]*model.ActivityExecution
	variables   map[string]model.Variable
}

var _ Gateway = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*model.ProcessDefinition),
		processes:   make(map[string]*model.ProcessExecution),
		activities:  make(map[string]*model.ActivityExecution),
		variables:   make(map[string]model.Variable),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveDefinition(_ context.Context, def *model.ProcessDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *def
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.definitions[def.ID] = &cp
	return nil
}

func (m *MemoryStore) FindDefinition(_ context.Context, id string) (*model.ProcessDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, notFound("definition", id)
	}
	cp := *def
	return &cp, nil
}

func (m *MemoryStore) FindLatestDefinition(ctx context.Context, key string) (*model.ProcessDefinition, error) {
	defs, err := m.FindDefinitionsByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, notFound("definition key", key)
	}
	return defs[len(defs)-1], nil
}

// FindDefinitionsByKey returns every version of key, oldest first.
func (m *MemoryStore) FindDefinitionsByKey(_ context.Context, key string) ([]*model.ProcessDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ProcessDefinition
	for _, def := range m.definitions {
		if def.Key == key {
			cp := *def
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryStore) SetDefinitionSuspended(_ context.Context, id string, suspended bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id]
	if !ok {
		return notFound("definition", id)
	}
	def.Suspended = suspended
	def.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SaveProcess(_ context.Context, p *model.ProcessExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p.Clone()
	cp.Definition = nil
	cp.Variables = nil
	cp.UpdatedAt = time.Now().UTC()
	m.processes[p.ID] = cp
	return nil
}

func (m *MemoryStore) FindProcess(_ context.Context, id string) (*model.ProcessExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.process(id)
}

func (m *MemoryStore) process(id string) (*model.ProcessExecution, error) {
	p, ok := m.processes[id]
	if !ok {
		return nil, notFound("process", id)
	}
	cp := p.Clone()
	if def, ok := m.definitions[p.DefinitionID]; ok {
		d := *def
		cp.Definition = &d
	}
	return cp, nil
}

func (m *MemoryStore) FindChildProcesses(_ context.Context, parentID string) ([]*model.ProcessExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ProcessExecution
	for id, p := range m.processes {
		if p.ParentID == parentID {
			cp, _ := m.process(id)
			out = append(out, cp)
		}
	}
	sortProcesses(out)
	return out, nil
}

func (m *MemoryStore) FindProcessesForCorrelation(_ context.Context, q CorrelationQuery) ([]*model.ProcessExecution, error) {
	expected := make(map[string]string, len(q.Keys))
	for k, v := range q.Keys {
		value, _, err := model.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		expected[k] = value
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ProcessExecution
	for id, p := range m.processes {
		if p.State.IsTerminal() {
			continue
		}
		if q.BusinessKey != "" && p.BusinessKey != q.BusinessKey {
			continue
		}
		if !m.matchesKeys(id, expected) {
			continue
		}
		cp, _ := m.process(id)
		out = append(out, cp)
	}
	sortProcesses(out)
	return out, nil
}

func (m *MemoryStore) matchesKeys(processID string, expected map[string]string) bool {
	for k, want := range expected {
		v, ok := m.variables[variableKey(processID, k)]
		if !ok || v.Value != want {
			return false
		}
	}
	return true
}

func (m *MemoryStore) SuspendByDefinition(_ context.Context, definitionIDs []string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roots := m.roots(definitionIDs, false, limit)
	return m.cascade(roots, true, nil), nil
}

func (m *MemoryStore) ResumeByDefinition(_ context.Context, definitionIDs []string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roots := m.roots(definitionIDs, true, limit)
	skip := func(p *model.ProcessExecution) bool {
		def, ok := m.definitions[p.DefinitionID]
		return ok && def.Suspended
	}
	return m.cascade(roots, false, skip), nil
}

func (m *MemoryStore) roots(definitionIDs []string, suspended bool, limit int) []string {
	var ids []string
	for id, p := range m.processes {
		if slices.Contains(definitionIDs, p.DefinitionID) && !p.State.IsTerminal() && p.Suspended == suspended {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// cascade walks the parent links breadth first from roots and flips the
// suspended flag on every non-terminal process reached.
func (m *MemoryStore) cascade(roots []string, suspended bool, skip func(*model.ProcessExecution) bool) int {
	children := make(map[string][]string)
	for id, p := range m.processes {
		if p.ParentID != "" {
			children[p.ParentID] = append(children[p.ParentID], id)
		}
	}

	now := time.Now().UTC()
	updated := 0
	queue := slices.Clone(roots)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		p := m.processes[id]
		p.Suspended = suspended
		p.UpdatedAt = now
		updated++
		for _, childID := range children[id] {
			child := m.processes[childID]
			if child.State.IsTerminal() || (skip != nil && skip(child)) {
				continue
			}
			queue = append(queue, childID)
		}
	}
	return updated
}

func (m *MemoryStore) SaveActivity(_ context.Context, a *model.ActivityExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a.Clone()
	cp.Process = nil
	cp.Variables = nil
	cp.UpdatedAt = time.Now().UTC()
	m.activities[a.ID] = cp
	return nil
}

func (m *MemoryStore) FindActivity(_ context.Context, id string) (*model.ActivityExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activities[id]
	if !ok {
		return nil, notFound("activity", id)
	}
	return m.hydrate(a), nil
}

func (m *MemoryStore) hydrate(a *model.ActivityExecution) *model.ActivityExecution {
	cp := a.Clone()
	if p, err := m.process(a.ProcessID); err == nil {
		cp.Process = p
	}
	return cp
}

func (m *MemoryStore) FindActivityByDefinition(ctx context.Context, processID, definitionID string) (*model.ActivityExecution, error) {
	list, err := m.FindActivities(ctx, ActivityFilter{ProcessID: processID, DefinitionIDs: []string{definitionID}})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, notFound("activity definition", processID+"/"+definitionID)
	}
	return list[len(list)-1], nil
}

func (m *MemoryStore) FindActivities(_ context.Context, f ActivityFilter) ([]*model.ActivityExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ActivityExecution
	for _, a := range m.activities {
		if f.ProcessID != "" && a.ProcessID != f.ProcessID {
			continue
		}
		if len(f.DefinitionIDs) > 0 && !slices.Contains(f.DefinitionIDs, a.DefinitionID) {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, a.State) {
			continue
		}
		out = append(out, m.hydrate(a))
	}
	sortActivities(out)
	return out, nil
}

func (m *MemoryStore) FindTimedOut(_ context.Context, now time.Time, limit int) ([]*model.ActivityExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ActivityExecution
	for _, a := range m.activities {
		if a.Timeout == nil || !a.Timeout.Before(now) {
			continue
		}
		if a.State != model.ActivityScheduled && a.State != model.ActivityActive {
			continue
		}
		out = append(out, m.hydrate(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timeout.Before(*out[j].Timeout) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) NextTimeout(_ context.Context, now time.Time) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var next *time.Time
	for _, a := range m.activities {
		if a.Timeout == nil || a.Timeout.Before(now) {
			continue
		}
		if a.State != model.ActivityScheduled && a.State != model.ActivityActive {
			continue
		}
		if next == nil || a.Timeout.Before(*next) {
			next = a.Timeout
		}
	}
	if next == nil {
		return time.Time{}, false, nil
	}
	return *next, true, nil
}

func (m *MemoryStore) IsAllCompleted(_ context.Context, processID string, definitionIDs []string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.activities {
		if a.ProcessID != processID || a.State.IsTerminal() {
			continue
		}
		if len(definitionIDs) > 0 {
			if slices.Contains(definitionIDs, a.DefinitionID) {
				return false, nil
			}
			continue
		}
		if !a.Async {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemoryStore) IsAnyFailed(_ context.Context, processID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.activities {
		if a.ProcessID == processID && a.State == model.ActivityFailed {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Poll(_ context.Context, topic, processDefinitionKey string, limit int) ([]*model.ActivityExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*model.ActivityExecution
	for _, a := range m.activities {
		if a.State != model.ActivityScheduled || a.Topic != topic || a.ProcessDefinitionKey != processDefinitionKey {
			continue
		}
		if p, ok := m.processes[a.ProcessID]; ok && p.Suspended {
			continue
		}
		candidates = append(candidates, a)
	}
	sortActivities(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	out := make([]*model.ActivityExecution, 0, len(candidates))
	for _, a := range candidates {
		a.State = model.ActivityActive
		a.StartedAt = &now
		a.UpdatedAt = now
		out = append(out, m.hydrate(a))
	}
	return out, nil
}

func (m *MemoryStore) SaveVariables(_ context.Context, vars []model.Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, v := range vars {
		key := variableKey(v.ExecutionID, v.Key)
		if existing, ok := m.variables[key]; ok {
			v.ID = existing.ID
			v.CreatedAt = existing.CreatedAt
		}
		if v.ID == "" {
			v.ID = NewID()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		v.UpdatedAt = now
		m.variables[key] = v
	}
	return nil
}

func (m *MemoryStore) FindVariables(_ context.Context, processID string) ([]model.Variable, error) {
	return m.findVariables(func(v model.Variable) bool { return v.ProcessID == processID }), nil
}

func (m *MemoryStore) FindExecutionVariables(_ context.Context, executionID string) ([]model.Variable, error) {
	return m.findVariables(func(v model.Variable) bool { return v.ExecutionID == executionID }), nil
}

func (m *MemoryStore) findVariables(match func(model.Variable) bool) []model.Variable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Variable
	for _, v := range m.variables {
		if match(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionID != out[j].ExecutionID {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func variableKey(executionID, key string) string {
	return executionID + "\x00" + key
}

func sortActivities(list []*model.ActivityExecution) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func sortProcesses(list []*model.ProcessExecution) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

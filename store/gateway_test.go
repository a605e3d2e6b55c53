package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-orchestrator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayFactory func(t *testing.T) Gateway

func runGatewaySuite(t *testing.T, factory gatewayFactory) {
	t.Run("definitions", func(t *testing.T) { testDefinitions(t, factory(t)) })
	t.Run("processes", func(t *testing.T) { testProcesses(t, factory(t)) })
	t.Run("activities", func(t *testing.T) { testActivities(t, factory(t)) })
	t.Run("poll", func(t *testing.T) { testPoll(t, factory(t)) })
	t.Run("poll exclusivity", func(t *testing.T) { testPollExclusivity(t, factory(t)) })
	t.Run("variables", func(t *testing.T) { testVariables(t, factory(t)) })
	t.Run("correlation", func(t *testing.T) { testCorrelation(t, factory(t)) })
	t.Run("suspend cascade", func(t *testing.T) { testSuspendCascade(t, factory(t)) })
}

// uniq keeps rows from different runs apart on shared databases.
func uniq(name string) string {
	id := NewID()
	return name + "-" + id[len(id)-12:]
}

func saveDefinition(t *testing.T, g Gateway, key string, version int) *model.ProcessDefinition {
	t.Helper()
	def := &model.ProcessDefinition{
		ID:      fmt.Sprintf("%s:%d", key, version),
		Key:     key,
		Version: version,
		Activities: []model.ActivityDefinition{
			{ID: "start", Type: model.StartEvent, Outgoing: []string{"task"}},
			{ID: "task", Type: model.ExternalTask, Topic: "work", Incoming: []string{"start"}},
		},
	}
	require.NoError(t, g.SaveDefinition(context.Background(), def))
	return def
}

func saveProcess(t *testing.T, g Gateway, def *model.ProcessDefinition, parentID string) *model.ProcessExecution {
	t.Helper()
	p := model.NewProcess(uniq("proc"), def)
	p.ParentID = parentID
	require.NoError(t, g.SaveProcess(context.Background(), p))
	return p
}

func saveActivity(t *testing.T, g Gateway, p *model.ProcessExecution, defID string, state model.ActivityState, created time.Time) *model.ActivityExecution {
	t.Helper()
	def, ok := p.Definition.Activity(defID)
	require.True(t, ok)
	a := model.NewActivity(uniq("act"), p, def)
	a.State = state
	a.CreatedAt = created
	require.NoError(t, g.SaveActivity(context.Background(), a))
	return a
}

func testDefinitions(t *testing.T, g Gateway) {
	ctx := context.Background()
	key := uniq("order")
	saveDefinition(t, g, key, 1)
	saveDefinition(t, g, key, 2)

	latest, err := g.FindLatestDefinition(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Len(t, latest.Activities, 2)

	all, err := g.FindDefinitionsByKey(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Version)

	require.NoError(t, g.SetDefinitionSuspended(ctx, key+":1", true))
	def, err := g.FindDefinition(ctx, key+":1")
	require.NoError(t, err)
	assert.True(t, def.Suspended)

	_, err = g.FindDefinition(ctx, "missing:1")
	assert.True(t, IsNotFound(err))
	_, err = g.FindLatestDefinition(ctx, uniq("missing"))
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(g.SetDefinitionSuspended(ctx, "missing:1", true)))
}

func testProcesses(t *testing.T, g Gateway) {
	ctx := context.Background()
	def := saveDefinition(t, g, uniq("proc"), 1)
	parent := saveProcess(t, g, def, "")
	parent.BusinessKey = "BK-1"
	parent.State = model.ProcessIncident
	require.NoError(t, g.SaveProcess(ctx, parent))
	child := saveProcess(t, g, def, parent.ID)

	found, err := g.FindProcess(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessIncident, found.State)
	assert.Equal(t, "BK-1", found.BusinessKey)
	require.NotNil(t, found.Definition)
	assert.Equal(t, def.ID, found.Definition.ID)

	children, err := g.FindChildProcesses(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	_, err = g.FindProcess(ctx, "nope")
	assert.True(t, IsNotFound(err))
}

func testActivities(t *testing.T, g Gateway) {
	ctx := context.Background()
	def := saveDefinition(t, g, uniq("act"), 1)
	p := saveProcess(t, g, def, "")
	base := time.Now().UTC().Add(-time.Hour)

	first := saveActivity(t, g, p, "task", model.ActivityCompleted, base)
	second := saveActivity(t, g, p, "task", model.ActivityActive, base.Add(time.Second))

	found, err := g.FindActivity(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityCompleted, found.State)
	require.NotNil(t, found.Process)
	assert.Equal(t, p.ID, found.Process.ID)
	require.NotNil(t, found.Process.Definition)

	latest, err := g.FindActivityByDefinition(ctx, p.ID, "task")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	active, err := g.FindActivities(ctx, ActivityFilter{ProcessID: p.ID, States: []model.ActivityState{model.ActivityActive}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	done, err := g.IsAllCompleted(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.False(t, done)

	second.State = model.ActivityFailed
	second.Failure = &model.Failure{Reason: "boom", Trace: "trace"}
	require.NoError(t, g.SaveActivity(ctx, second))

	failed, err := g.IsAnyFailed(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, failed)

	reloaded, err := g.FindActivity(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Failure)
	assert.Equal(t, "boom", reloaded.Failure.Reason)

	second.State = model.ActivityTerminated
	second.Failure = nil
	require.NoError(t, g.SaveActivity(ctx, second))
	async := saveActivity(t, g, p, "task", model.ActivityActive, base.Add(2*time.Second))
	async.Async = true
	require.NoError(t, g.SaveActivity(ctx, async))

	done, err = g.IsAllCompleted(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.True(t, done, "async activities do not block completion")

	done, err = g.IsAllCompleted(ctx, p.ID, []string{"task"})
	require.NoError(t, err)
	assert.False(t, done, "explicit definition ids include async activities")

	_, err = g.FindActivityByDefinition(ctx, p.ID, "start")
	assert.True(t, IsNotFound(err))
}

func testPoll(t *testing.T, g Gateway) {
	ctx := context.Background()
	key := uniq("poll")
	def := saveDefinition(t, g, key, 1)
	p := saveProcess(t, g, def, "")
	suspended := saveProcess(t, g, def, "")
	suspended.Suspended = true
	require.NoError(t, g.SaveProcess(ctx, suspended))

	base := time.Now().UTC().Add(-time.Hour)
	newer := saveActivity(t, g, p, "task", model.ActivityScheduled, base.Add(2*time.Second))
	older := saveActivity(t, g, p, "task", model.ActivityScheduled, base)
	saveActivity(t, g, suspended, "task", model.ActivityScheduled, base)
	saveActivity(t, g, p, "task", model.ActivityActive, base)

	claimed, err := g.Poll(ctx, "work", key, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, older.ID, claimed[0].ID)
	assert.Equal(t, model.ActivityActive, claimed[0].State)
	assert.NotNil(t, claimed[0].StartedAt)

	claimed, err = g.Poll(ctx, "work", key, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, newer.ID, claimed[0].ID)

	claimed, err = g.Poll(ctx, "work", key, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	timeout := time.Now().UTC().Add(-time.Minute)
	newer.State = model.ActivityActive
	newer.Timeout = &timeout
	require.NoError(t, g.SaveActivity(ctx, newer))
	expired, err := g.FindTimedOut(ctx, time.Now().UTC(), 1000)
	require.NoError(t, err)
	ids := make([]string, 0, len(expired))
	for _, a := range expired {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, newer.ID)

	due := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	older.Timeout = &due
	require.NoError(t, g.SaveActivity(ctx, older))
	next, ok, err := g.NextTimeout(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, next.After(due))
	assert.True(t, next.After(time.Now().UTC()))
}

func testPollExclusivity(t *testing.T, g Gateway) {
	ctx := context.Background()
	key := uniq("race")
	def := saveDefinition(t, g, key, 1)
	p := saveProcess(t, g, def, "")
	base := time.Now().UTC().Add(-time.Hour)
	const total = 20
	for i := 0; i < total; i++ {
		saveActivity(t, g, p, "task", model.ActivityScheduled, base.Add(time.Duration(i)*time.Second))
	}

	var (
		mu   sync.Mutex
		seen []string
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := g.Poll(ctx, "work", key, 3)
				if err != nil {
					t.Errorf("poll: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, a := range claimed {
					seen = append(seen, a.ID)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Strings(seen)
	require.Len(t, seen, total)
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i], "activity claimed twice")
	}
}

func testVariables(t *testing.T, g Gateway) {
	ctx := context.Background()
	def := saveDefinition(t, g, uniq("vars"), 1)
	p := saveProcess(t, g, def, "")

	vars, err := model.NewVariables(p.ID, p.ID, def.ID, map[string]any{"amount": 10, "owner": "ops"})
	require.NoError(t, err)
	require.NoError(t, g.SaveVariables(ctx, vars))

	update, err := model.NewVariables(p.ID, p.ID, def.ID, map[string]any{"amount": 20})
	require.NoError(t, err)
	require.NoError(t, g.SaveVariables(ctx, update))

	local, err := model.NewVariables(p.ID, "act-1", "task", map[string]any{"note": "x"})
	require.NoError(t, err)
	require.NoError(t, g.SaveVariables(ctx, local))

	all, err := g.FindVariables(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 20, model.ScopedMap(all, []string{def.ID})["amount"])

	own, err := g.FindExecutionVariables(ctx, "act-1")
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "note", own[0].Key)
	assert.NotEmpty(t, own[0].ID)
}

func testCorrelation(t *testing.T, g Gateway) {
	ctx := context.Background()
	def := saveDefinition(t, g, uniq("corr"), 1)
	bk := uniq("BK")

	a := saveProcess(t, g, def, "")
	a.BusinessKey = bk
	require.NoError(t, g.SaveProcess(ctx, a))
	b := saveProcess(t, g, def, "")
	b.BusinessKey = bk
	require.NoError(t, g.SaveProcess(ctx, b))
	done := saveProcess(t, g, def, "")
	done.BusinessKey = bk
	done.State = model.ProcessCompleted
	require.NoError(t, g.SaveProcess(ctx, done))

	vars, err := model.NewVariables(a.ID, a.ID, def.ID, map[string]any{"orderId": 42})
	require.NoError(t, err)
	require.NoError(t, g.SaveVariables(ctx, vars))

	byKey, err := g.FindProcessesForCorrelation(ctx, CorrelationQuery{BusinessKey: bk})
	require.NoError(t, err)
	assert.Len(t, byKey, 2)

	both, err := g.FindProcessesForCorrelation(ctx, CorrelationQuery{BusinessKey: bk, Keys: map[string]any{"orderId": 42}})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, a.ID, both[0].ID)

	none, err := g.FindProcessesForCorrelation(ctx, CorrelationQuery{Keys: map[string]any{"orderId": 7}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSuspendCascade(t *testing.T, g Gateway) {
	ctx := context.Background()
	parentDef := saveDefinition(t, g, uniq("K"), 1)
	childDef := saveDefinition(t, g, uniq("K2"), 1)

	parent := saveProcess(t, g, parentDef, "")
	child := saveProcess(t, g, childDef, parent.ID)
	grandchild := saveProcess(t, g, parentDef, child.ID)
	finished := saveProcess(t, g, childDef, parent.ID)
	finished.State = model.ProcessCompleted
	require.NoError(t, g.SaveProcess(ctx, finished))
	unrelated := saveProcess(t, g, childDef, "")

	n, err := g.SuspendByDefinition(ctx, []string{parentDef.ID}, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)

	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		p, err := g.FindProcess(ctx, id)
		require.NoError(t, err)
		assert.True(t, p.Suspended, id)
	}
	for _, id := range []string{finished.ID, unrelated.ID} {
		p, err := g.FindProcess(ctx, id)
		require.NoError(t, err)
		assert.False(t, p.Suspended, id)
	}

	require.NoError(t, g.SetDefinitionSuspended(ctx, childDef.ID, true))
	_, err = g.ResumeByDefinition(ctx, []string{parentDef.ID}, 100)
	require.NoError(t, err)

	p, err := g.FindProcess(ctx, parent.ID)
	require.NoError(t, err)
	assert.False(t, p.Suspended)

	c, err := g.FindProcess(ctx, child.ID)
	require.NoError(t, err)
	assert.True(t, c.Suspended, "child of a suspended definition stays suspended")

	gc, err := g.FindProcess(ctx, grandchild.ID)
	require.NoError(t, err)
	assert.False(t, gc.Suspended, "grandchild is a root of the resumed definition")
}

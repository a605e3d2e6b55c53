package engine

import (
	"testing"

	"github.com/goliatone/go-orchestrator/command"
	"github.com/goliatone/go-orchestrator/dispatcher"
	"github.com/goliatone/go-orchestrator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const retryYAML = `
key: retry
activities:
  - id: start
    type: START_EVENT
    outgoing: [charge]
  - id: charge
    type: EXTERNAL_TASK
    topic: charge
    retries: 1
    outgoing: [end]
  - id: end
    type: END_EVENT
`

func TestFailRetriesWithinBudgetThenRaisesIncident(t *testing.T) {
	h := newHarness(t)
	h.deploy(retryYAML)
	p := h.start("retry", "", nil)

	require.NoError(t, send(h, FailActivity{ActivityRef: ByDefinition(p.ID, "charge"), Reason: "card declined"}))
	charge := h.activity(p.ID, "charge")
	assert.Equal(t, model.ActivityScheduled, charge.State)
	assert.Equal(t, 1, charge.Retries)
	assert.Equal(t, model.ProcessActive, h.process(p.ID).State)

	require.NoError(t, send(h, FailActivity{ActivityRef: ByID(charge.ID), Reason: "card declined", Trace: "gateway 402"}))
	charge = h.activity(p.ID, "charge")
	assert.Equal(t, model.ActivityFailed, charge.State)
	require.NotNil(t, charge.Failure)
	assert.Equal(t, "card declined", charge.Failure.Reason)
	assert.Equal(t, model.ProcessIncident, h.process(p.ID).State)

	require.NoError(t, send(h, RetryActivity{ActivityRef: ByID(charge.ID)}))
	charge = h.activity(p.ID, "charge")
	assert.Equal(t, model.ActivityScheduled, charge.State)
	assert.Equal(t, 2, charge.Retries)
	assert.Equal(t, model.ProcessActive, h.process(p.ID).State)

	h.completeTask(p.ID, "charge", nil)
	assert.Equal(t, model.ProcessCompleted, h.process(p.ID).State)
	h.noAsyncErrors()
}

func TestFailActivityRequiresReason(t *testing.T) {
	h := newHarness(t)
	err := dispatcher.Dispatch(h.ctx, h.d, FailActivity{ActivityRef: ByID("x")})
	require.Error(t, err)
}

func TestActivityRefValidation(t *testing.T) {
	assert.NoError(t, ByID("a").validate())
	assert.NoError(t, ByDefinition("p", "d").validate())
	assert.Error(t, ActivityRef{}.validate())
	assert.Error(t, ActivityRef{ProcessID: "p"}.validate())
	assert.Equal(t, "p/d", ByDefinition("p", "d").String())
}

func TestCompleteUnknownActivityIsNotFound(t *testing.T) {
	h := newHarness(t)
	err := send(h, CompleteActivity{ActivityRef: ByID("missing")})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

const gatewayYAML = `
key: approval
activities:
  - id: start
    type: START_EVENT
    outgoing: [route]
  - id: route
    type: EXCLUSIVE_GATEWAY
    outgoing: [big, small]
    conditions:
      "${amount > 100}": [big]
      "": [small]
  - id: big
    type: EXTERNAL_TASK
    topic: manual
    outgoing: [end]
  - id: small
    type: EXTERNAL_TASK
    topic: auto
    outgoing: [end]
  - id: end
    type: END_EVENT
`

func TestExclusiveGatewayTakesMatchingPath(t *testing.T) {
	h := newHarness(t)
	h.deploy(gatewayYAML)

	p := h.start("approval", "", map[string]any{"amount": 500})
	assert.True(t, h.hasActivity(p.ID, "big"))
	assert.False(t, h.hasActivity(p.ID, "small"))

	q := h.start("approval", "", map[string]any{"amount": 5})
	assert.False(t, h.hasActivity(q.ID, "big"))
	assert.True(t, h.hasActivity(q.ID, "small"))
	h.noAsyncErrors()
}

const strictGatewayYAML = `
key: strict
activities:
  - id: start
    type: START_EVENT
    outgoing: [route]
  - id: route
    type: EXCLUSIVE_GATEWAY
    outgoing: [a]
    conditions:
      "${flag}": [a]
  - id: a
    type: END_EVENT
`

func TestExclusiveGatewayWithoutPathFailsIntoIncident(t *testing.T) {
	h := newHarness(t)
	h.deploy(strictGatewayYAML)
	p := h.start("strict", "", map[string]any{"flag": false})

	route := h.activity(p.ID, "route")
	assert.Equal(t, model.ActivityFailed, route.State)
	require.NotNil(t, route.Failure)
	assert.Equal(t, model.ProcessIncident, h.process(p.ID).State)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.asyncErrs)
	assert.True(t, IsExecutionFailed(h.asyncErrs[0]))
}

const parallelYAML = `
key: parallel
activities:
  - id: start
    type: START_EVENT
    outgoing: [fork]
  - id: fork
    type: PARALLEL_GATEWAY
    outgoing: [a, b]
  - id: a
    type: EXTERNAL_TASK
    topic: a
    outgoing: [join]
  - id: b
    type: EXTERNAL_TASK
    topic: b
    outgoing: [join]
  - id: join
    type: PARALLEL_GATEWAY
    outgoing: [end]
  - id: end
    type: END_EVENT
`

func TestParallelGatewayJoinsOnce(t *testing.T) {
	h := newHarness(t)
	h.deploy(parallelYAML)
	p := h.start("parallel", "", nil)

	assert.Equal(t, model.ActivityScheduled, h.activity(p.ID, "a").State)
	assert.Equal(t, model.ActivityScheduled, h.activity(p.ID, "b").State)

	h.completeTask(p.ID, "a", nil)
	join := h.activity(p.ID, "join")
	assert.Equal(t, model.ActivityActive, join.State)
	assert.False(t, h.hasActivity(p.ID, "end"))
	_, held := h.rt.joins.Load(joinKey{p.ID, "join"})
	assert.True(t, held)

	h.completeTask(p.ID, "b", nil)
	joins, err := h.store.FindActivities(h.ctx, storeFilter(p.ID, []string{"join"}))
	require.NoError(t, err)
	require.Len(t, joins, 1)
	assert.Equal(t, model.ActivityCompleted, joins[0].State)

	ends, err := h.store.FindActivities(h.ctx, storeFilter(p.ID, []string{"end"}))
	require.NoError(t, err)
	assert.Len(t, ends, 1)
	assert.Equal(t, model.ProcessCompleted, h.process(p.ID).State)
	_, held = h.rt.joins.Load(joinKey{p.ID, "join"})
	assert.False(t, held, "join locks are released with the process")
	h.noAsyncErrors()
}

const eventGatewayYAML = `
key: race
activities:
  - id: start
    type: START_EVENT
    outgoing: [wait]
  - id: wait
    type: EVENT_BASED_GATEWAY
    outgoing: [go, stop]
  - id: go
    type: MESSAGE_INTERMEDIATE_CATCH_EVENT
    messageReference: go
    outgoing: [done]
  - id: stop
    type: RECEIVE_TASK
    messageReference: stop
    outgoing: [halted]
  - id: done
    type: END_EVENT
  - id: halted
    type: END_EVENT
`

func TestEventBasedGatewayCancelsLosingBranch(t *testing.T) {
	h := newHarness(t)
	h.deploy(eventGatewayYAML)
	p := h.start("race", "BK-7", nil)

	assert.Equal(t, model.ActivityActive, h.activity(p.ID, "go").State)
	assert.Equal(t, model.ActivityActive, h.activity(p.ID, "stop").State)

	id, err := h.correlate(CorrelateMessage{Message: "go", BusinessKey: "BK-7"})
	require.NoError(t, err)
	assert.Equal(t, p.ID, id)

	assert.Equal(t, model.ActivityCompleted, h.activity(p.ID, "go").State)
	assert.Equal(t, model.ActivityCancelled, h.activity(p.ID, "stop").State)
	assert.False(t, h.hasActivity(p.ID, "halted"))
	assert.Equal(t, model.ProcessCompleted, h.process(p.ID).State)
	h.noAsyncErrors()
}

func TestTerminateWithoutInterruptionContinuesFlow(t *testing.T) {
	h := newHarness(t)
	h.deploy(sequenceYAML)
	p := h.start("sequence", "", nil)

	require.NoError(t, send(h, TerminateActivity{ActivityRef: ByDefinition(p.ID, "task1")}))
	assert.Equal(t, model.ActivityTerminated, h.activity(p.ID, "task1").State)
	assert.Equal(t, model.ActivityScheduled, h.activity(p.ID, "task2").State)

	require.NoError(t, send(h, TerminateActivity{ActivityRef: ByDefinition(p.ID, "task2"), Interrupt: true}))
	assert.Equal(t, model.ActivityTerminated, h.activity(p.ID, "task2").State)
	assert.False(t, h.hasActivity(p.ID, "end"))
}

func TestMoveExecution(t *testing.T) {
	h := newHarness(t)
	h.deploy(sequenceYAML)
	p := h.start("sequence", "", nil)

	require.NoError(t, send(h, MoveExecution{ProcessID: p.ID, FromDefinitionID: "task1", ToDefinitionID: "task2"}))
	assert.Equal(t, model.ActivityTerminated, h.activity(p.ID, "task1").State)
	assert.Equal(t, model.ActivityScheduled, h.activity(p.ID, "task2").State)

	err := send(h, MoveExecution{ProcessID: p.ID, FromDefinitionID: "task2", ToDefinitionID: "nowhere"})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestBulkCancelIsolatesFailuresAndReports(t *testing.T) {
	h := newHarness(t)
	h.deploy(parallelYAML)
	p := h.start("parallel", "", nil)

	a := h.activity(p.ID, "a")
	b := h.activity(p.ID, "b")

	result := command.NewResult[BulkReport]()
	ctx := command.ContextWithResult(h.ctx, result)
	err := dispatcher.Dispatch(ctx, h.d, CancelAll{ActivityIDs: []string{a.ID, "missing", b.ID}})
	h.d.Wait()
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	assert.Equal(t, model.ActivityCancelled, h.activity(p.ID, "a").State)
	assert.Equal(t, model.ActivityCancelled, h.activity(p.ID, "b").State)

	report, ok := result.Load()
	require.True(t, ok)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Succeeded())
	assert.Contains(t, report.Failed, "missing")
	op, _ := result.Metadata("operation")
	assert.Equal(t, "cancel", op)
}

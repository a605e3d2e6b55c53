package engine

import (
	"testing"

	"github.com/goliatone/go-orchestrator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const callActivityYAML = `
definitions:
  - key: checkout
    activities:
      - id: start
        type: START_EVENT
        outgoing: [charge]
      - id: charge
        type: CALL_ACTIVITY
        calledElement: billing
        inputs:
          amount: "${total * 2}"
        outputs:
          receipt: "${receiptId}"
        outgoing: [end]
      - id: end
        type: END_EVENT
  - key: billing
    activities:
      - id: start
        type: START_EVENT
        outgoing: [bill]
      - id: bill
        type: EXTERNAL_TASK
        topic: bill
        outgoing: [end]
      - id: end
        type: END_EVENT
`

func TestCallActivityMapsVariablesBothWays(t *testing.T) {
	h := newHarness(t)
	h.deploy(callActivityYAML)
	parent := h.start("checkout", "CART-1", map[string]any{"total": 21})

	call := h.activity(parent.ID, "charge")
	assert.Equal(t, model.ActivityActive, call.State)

	child := h.process(call.ID)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, parent.ID, child.RootProcessID)
	assert.Equal(t, "CART-1", child.BusinessKey)
	assert.EqualValues(t, 42, h.processVars(child.ID)["amount"])
	assert.NotContains(t, h.processVars(child.ID), "total")

	h.completeTask(child.ID, "bill", map[string]any{"receiptId": "R-9"})

	assert.Equal(t, model.ProcessCompleted, h.process(child.ID).State)
	assert.Equal(t, model.ActivityCompleted, h.activity(parent.ID, "charge").State)
	assert.Equal(t, "R-9", h.processVars(parent.ID)["receipt"])
	assert.NotContains(t, h.processVars(parent.ID), "receiptId")
	assert.Equal(t, model.ProcessCompleted, h.process(parent.ID).State)
	h.noAsyncErrors()
}

func TestChildIncidentFailsCallActivity(t *testing.T) {
	h := newHarness(t)
	h.deploy(callActivityYAML)
	parent := h.start("checkout", "CART-2", map[string]any{"total": 1})
	call := h.activity(parent.ID, "charge")

	require.NoError(t, send(h, FailActivity{ActivityRef: ByDefinition(call.ID, "bill"), Reason: "insufficient funds"}))

	assert.Equal(t, model.ProcessIncident, h.process(call.ID).State)
	assert.Equal(t, model.ActivityFailed, h.activity(parent.ID, "charge").State)
	assert.Equal(t, model.ProcessIncident, h.process(parent.ID).State)

	require.NoError(t, send(h, RetryActivity{ActivityRef: ByID(call.ID)}))
	assert.Equal(t, model.ActivityScheduled, h.activity(call.ID, "bill").State)
	assert.Equal(t, model.ProcessActive, h.process(call.ID).State)
	assert.Equal(t, model.ActivityActive, h.activity(parent.ID, "charge").State)
	assert.Equal(t, model.ProcessActive, h.process(parent.ID).State)
}

func TestDeleteProcessCascadesToChildren(t *testing.T) {
	h := newHarness(t)
	h.deploy(callActivityYAML)
	parent := h.start("checkout", "CART-3", map[string]any{"total": 1})
	call := h.activity(parent.ID, "charge")

	require.NoError(t, send(h, NewDeleteProcess(parent.ID)))

	assert.Equal(t, model.ProcessDeleted, h.process(parent.ID).State)
	assert.Equal(t, model.ActivityDeleted, h.activity(parent.ID, "charge").State)
	assert.Equal(t, model.ProcessDeleted, h.process(call.ID).State)
	assert.Equal(t, model.ActivityDeleted, h.activity(call.ID, "bill").State)
}

func TestCancelProcess(t *testing.T) {
	h := newHarness(t)
	h.deploy(parallelYAML)
	p := h.start("parallel", "", nil)

	require.NoError(t, send(h, NewCancelProcess(p.ID)))
	assert.Equal(t, model.ProcessCancelled, h.process(p.ID).State)
	assert.Equal(t, model.ActivityCancelled, h.activity(p.ID, "a").State)
	assert.Equal(t, model.ActivityCancelled, h.activity(p.ID, "b").State)

	require.NoError(t, send(h, NewCancelProcess(p.ID)))
	assert.Equal(t, model.ProcessCancelled, h.process(p.ID).State)
}

const terminateEndYAML = `
key: abort
activities:
  - id: start
    type: START_EVENT
    outgoing: [fork]
  - id: fork
    type: PARALLEL_GATEWAY
    outgoing: [wait, stop]
  - id: wait
    type: RECEIVE_TASK
    messageReference: resume
    outgoing: [end]
  - id: stop
    type: TERMINATE_END_EVENT
  - id: end
    type: END_EVENT
`

func TestTerminateEndEventStopsProcess(t *testing.T) {
	h := newHarness(t)
	h.deploy(terminateEndYAML)
	p := h.start("abort", "", nil)

	assert.Equal(t, model.ProcessTerminated, h.process(p.ID).State)
	assert.Equal(t, model.ActivityCompleted, h.activity(p.ID, "stop").State)
	assert.False(t, h.hasActivity(p.ID, "end"))
}

const scopedVariablesYAML = `
key: scoped
activities:
  - id: start
    type: START_EVENT
    outgoing: [sub]
  - id: sub
    type: SUBPROCESS
    inputs:
      limit: 5
    outgoing: [end]
  - id: sub-start
    type: START_EVENT
    parentId: sub
    outgoing: [work]
  - id: work
    type: EXTERNAL_TASK
    parentId: sub
    topic: work
    outgoing: [sub-end]
  - id: sub-end
    type: END_EVENT
    parentId: sub
  - id: end
    type: END_EVENT
`

func TestSetVariablesUpdatesInnermostBinding(t *testing.T) {
	h := newHarness(t)
	h.deploy(scopedVariablesYAML)
	p := h.start("scoped", "", nil)
	work := h.activity(p.ID, "work")

	visible, err := h.rt.Variables().Visible(h.ctx, work)
	require.NoError(t, err)
	assert.EqualValues(t, 5, visible["limit"])

	require.NoError(t, send(h, SetVariables{ExecutionID: work.ID, Variables: map[string]any{"limit": 9, "seen": true}}))

	visible, err = h.rt.Variables().Visible(h.ctx, work)
	require.NoError(t, err)
	assert.EqualValues(t, 9, visible["limit"])
	assert.Equal(t, true, visible["seen"])

	vars := h.processVars(p.ID)
	assert.NotContains(t, vars, "limit")
	assert.Equal(t, true, vars["seen"])
}

func TestSetVariablesUnknownExecution(t *testing.T) {
	h := newHarness(t)
	err := send(h, SetVariables{ExecutionID: "missing", Variables: map[string]any{"a": 1}})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

const callErrorYAML = `
definitions:
  - key: order
    activities:
      - id: start
        type: START_EVENT
        outgoing: [audit]
      - id: audit
        type: CALL_ACTIVITY
        calledElement: audit
        outgoing: [review]
      - id: review
        type: EXTERNAL_TASK
        topic: review
        outgoing: [end]
      - id: end
        type: END_EVENT
  - key: guarded
    activities:
      - id: start
        type: START_EVENT
        outgoing: [audit]
      - id: audit
        type: CALL_ACTIVITY
        calledElement: audit
        outgoing: [end]
      - id: end
        type: END_EVENT
      - id: rejected
        type: ERROR_BOUNDARY_EVENT
        attachedToRef: audit
        errorCode: E9
        cancelActivity: true
        outgoing: [rejected-end]
      - id: rejected-end
        type: END_EVENT
  - key: audit
    activities:
      - id: start
        type: START_EVENT
        outgoing: [reject]
      - id: reject
        type: ERROR_END_EVENT
        errorCode: E9
`

func TestChildErrorCaughtOnCallActivity(t *testing.T) {
	h := newHarness(t)
	h.deploy(callErrorYAML)
	parent := h.start("guarded", "", nil)
	call := h.activity(parent.ID, "audit")

	assert.Equal(t, model.ActivityCompleted, h.activity(call.ID, "reject").State)
	assert.Equal(t, model.ProcessTerminated, h.process(call.ID).State)
	assert.Equal(t, model.ActivityTerminated, h.activity(parent.ID, "audit").State)
	assert.Equal(t, model.ActivityCompleted, h.activity(parent.ID, "rejected-end").State)
	assert.False(t, h.hasActivity(parent.ID, "end"))
	assert.Equal(t, model.ProcessCompleted, h.process(parent.ID).State)
	h.noAsyncErrors()
}

func TestUnhandledChildErrorRaisesIncidentOnParent(t *testing.T) {
	h := newHarness(t)
	h.deploy(callErrorYAML)
	parent := h.start("order", "", nil)
	call := h.activity(parent.ID, "audit")

	assert.Equal(t, model.ProcessTerminated, h.process(call.ID).State)
	assert.Equal(t, model.ActivityTerminated, h.activity(parent.ID, "audit").State)
	assert.Equal(t, model.ProcessIncident, h.process(parent.ID).State)

	require.NoError(t, send(h, MoveExecution{ProcessID: parent.ID, FromDefinitionID: "audit", ToDefinitionID: "review"}))
	assert.Equal(t, model.ActivityScheduled, h.activity(parent.ID, "review").State)
	assert.Equal(t, model.ProcessActive, h.process(parent.ID).State)

	h.completeTask(parent.ID, "review", nil)
	assert.Equal(t, model.ProcessCompleted, h.process(parent.ID).State)
	h.noAsyncErrors()
}

func TestRetryCallActivityResolvesChildIncident(t *testing.T) {
	h := newHarness(t)
	h.deploy(callActivityYAML)
	parent := h.start("checkout", "CART-4", map[string]any{"total": 1})
	call := h.activity(parent.ID, "charge")

	require.NoError(t, send(h, NewIncidentProcess(call.ID)))
	assert.Equal(t, model.ProcessIncident, h.process(call.ID).State)
	assert.Equal(t, model.ActivityFailed, h.activity(parent.ID, "charge").State)
	assert.Equal(t, model.ProcessIncident, h.process(parent.ID).State)

	require.NoError(t, send(h, RetryActivity{ActivityRef: ByID(call.ID)}))
	assert.Equal(t, model.ProcessActive, h.process(call.ID).State)
	assert.Equal(t, model.ActivityActive, h.activity(parent.ID, "charge").State)
	assert.Equal(t, model.ProcessActive, h.process(parent.ID).State)

	h.completeTask(call.ID, "bill", map[string]any{"receiptId": "R-1"})
	assert.Equal(t, model.ProcessCompleted, h.process(parent.ID).State)
}

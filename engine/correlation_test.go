package engine

import (
	"sync"
	"testing"

	"github.com/goliatone/go-orchestrator/expression"
	"github.com/goliatone/go-orchestrator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const errorBoundaryYAML = `
key: shipping
activities:
  - id: start
    type: START_EVENT
    outgoing: [sub]
  - id: sub
    type: SUBPROCESS
    outgoing: [end]
  - id: sub-start
    type: START_EVENT
    parentId: sub
    outgoing: [work]
  - id: work
    type: EXTERNAL_TASK
    parentId: sub
    topic: pack
    outgoing: [sub-end]
  - id: sub-end
    type: END_EVENT
    parentId: sub
  - id: on-e1
    type: ERROR_BOUNDARY_EVENT
    attachedToRef: sub
    errorCode: E1
    cancelActivity: true
    outgoing: [recover]
  - id: recover
    type: EXTERNAL_TASK
    topic: recover
    outgoing: [recovered]
  - id: recovered
    type: END_EVENT
  - id: end
    type: END_EVENT
`

func TestErrorBoundaryOnSubprocessHandlesError(t *testing.T) {
	h := newHarness(t)
	h.deploy(errorBoundaryYAML)
	p := h.start("shipping", "", nil)

	assert.Equal(t, model.ActivityActive, h.activity(p.ID, "sub").State)
	work := h.activity(p.ID, "work")
	require.Equal(t, model.ActivityScheduled, work.State)

	require.NoError(t, send(h, CorrelateError{ActivityID: work.ID, Code: "E1"}))

	assert.Equal(t, model.ActivityTerminated, h.activity(p.ID, "work").State)
	assert.Equal(t, model.ActivityTerminated, h.activity(p.ID, "sub").State)
	assert.Equal(t, model.ActivityCompleted, h.activity(p.ID, "on-e1").State)
	assert.Equal(t, model.ActivityScheduled, h.activity(p.ID, "recover").State)
	assert.False(t, h.hasActivity(p.ID, "end"))
	assert.Equal(t, model.ProcessActive, h.process(p.ID).State)

	h.completeTask(p.ID, "recover", nil)
	assert.Equal(t, model.ProcessCompleted, h.process(p.ID).State)
	h.noAsyncErrors()
}

func TestUnhandledErrorRaisesIncident(t *testing.T) {
	h := newHarness(t)
	h.deploy(errorBoundaryYAML)
	p := h.start("shipping", "", nil)
	work := h.activity(p.ID, "work")

	require.NoError(t, send(h, CorrelateError{ActivityID: work.ID, Code: "E2"}))

	assert.Equal(t, model.ProcessIncident, h.process(p.ID).State)
	assert.Equal(t, model.ActivityScheduled, h.activity(p.ID, "work").State)
	assert.False(t, h.hasActivity(p.ID, "on-e1"))
}

func TestUnhandledEscalationIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.deploy(errorBoundaryYAML)
	p := h.start("shipping", "", nil)
	work := h.activity(p.ID, "work")

	require.NoError(t, send(h, CorrelateEscalation{ActivityID: work.ID, Code: "LATE"}))
	assert.Equal(t, model.ProcessActive, h.process(p.ID).State)
}

const handlersYAML = `
key: handlers
activities:
  - id: start
    type: START_EVENT
    outgoing: [task]
  - id: task
    type: EXTERNAL_TASK
    topic: t
    outgoing: [end]
  - id: end
    type: END_EVENT
  - id: any-error
    type: ERROR_BOUNDARY_EVENT
    attachedToRef: task
    cancelActivity: true
  - id: e1-error
    type: ERROR_BOUNDARY_EVENT
    attachedToRef: task
    errorCode: E1
    cancelActivity: true
  - id: es
    type: EVENT_SUBPROCESS
  - id: es-start
    type: ERROR_START_EVENT
    parentId: es
    errorCode: E3
    interrupting: true
    outgoing: [es-end]
  - id: es-end
    type: END_EVENT
    parentId: es
`

func TestFindHandlerPrefersExactCode(t *testing.T) {
	defs, err := model.ParseDefinitions([]byte(handlersYAML))
	require.NoError(t, err)
	def := defs[0]

	for range 20 {
		got, ok := findHandler(def, "task", throwError, "E1")
		require.True(t, ok)
		assert.Equal(t, "e1-error", got.ID)
	}

	got, ok := findHandler(def, "task", throwError, "E9")
	require.True(t, ok)
	assert.Equal(t, "any-error", got.ID)

	got, ok = findHandler(def, "task", throwError, "E3")
	require.True(t, ok)
	assert.Equal(t, "any-error", got.ID, "catch-all boundary wins over an event subprocess start")

	got, ok = findHandler(def, "start", throwError, "E3")
	require.True(t, ok)
	assert.Equal(t, "es-start", got.ID)

	_, ok = findHandler(def, "start", throwError, "E1")
	assert.False(t, ok)

	_, ok = findHandler(def, "task", throwEscalation, "E1")
	assert.False(t, ok)
}

const paymentYAML = `
key: payment
activities:
  - id: start
    type: START_EVENT
    outgoing: [await-payment]
  - id: await-payment
    type: RECEIVE_TASK
    messageReference: paid
    outgoing: [end]
  - id: end
    type: END_EVENT
`

func TestCorrelateMessageDeliversToSingleProcess(t *testing.T) {
	h := newHarness(t)
	h.deploy(paymentYAML)
	p := h.start("payment", "INV-1", map[string]any{"orderId": 42})
	other := h.start("payment", "INV-2", map[string]any{"orderId": 43})

	id, err := h.correlate(CorrelateMessage{Message: "paid", BusinessKey: "INV-1", Variables: map[string]any{"amount": 10}})
	require.NoError(t, err)
	assert.Equal(t, p.ID, id)
	assert.Equal(t, model.ProcessCompleted, h.process(p.ID).State)
	assert.EqualValues(t, 10, h.processVars(p.ID)["amount"])
	assert.Equal(t, model.ProcessActive, h.process(other.ID).State)

	id, err = h.correlate(CorrelateMessage{Message: "paid", Keys: map[string]any{"orderId": 43}})
	require.NoError(t, err)
	assert.Equal(t, other.ID, id)
	assert.Equal(t, model.ProcessCompleted, h.process(other.ID).State)
	h.noAsyncErrors()
}

func TestCorrelateMessageRejectsAmbiguousTargets(t *testing.T) {
	h := newHarness(t)
	h.deploy(paymentYAML)
	first := h.start("payment", "DUP", nil)
	second := h.start("payment", "DUP", nil)

	_, err := h.correlate(CorrelateMessage{Message: "paid", BusinessKey: "DUP"})
	require.Error(t, err)
	assert.True(t, IsAmbiguousCorrelation(err))
	assert.Equal(t, model.ActivityActive, h.activity(first.ID, "await-payment").State)
	assert.Equal(t, model.ActivityActive, h.activity(second.ID, "await-payment").State)

	_, err = h.correlate(CorrelateMessage{Message: "paid", BusinessKey: "NOBODY"})
	require.Error(t, err)
	assert.True(t, IsAmbiguousCorrelation(err))

	_, err = h.correlate(CorrelateMessage{Message: "paid"})
	require.Error(t, err)
	assert.True(t, IsAmbiguousCorrelation(err))
}

type countingEvaluator struct {
	expression.Evaluator
	mu    sync.Mutex
	calls map[string]int
}

func newCountingEvaluator() *countingEvaluator {
	return &countingEvaluator{Evaluator: expression.New(), calls: map[string]int{}}
}

func (c *countingEvaluator) EvaluateBoolean(expr string, vars map[string]any) (bool, error) {
	c.mu.Lock()
	c.calls[expr]++
	c.mu.Unlock()
	return c.Evaluator.EvaluateBoolean(expr, vars)
}

func (c *countingEvaluator) count(expr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[expr]
}

func (c *countingEvaluator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = map[string]int{}
}

const approvalConditionYAML = `
key: review
activities:
  - id: start
    type: START_EVENT
    outgoing: [review]
  - id: review
    type: EXTERNAL_TASK
    topic: review
    outgoing: [end]
  - id: end
    type: END_EVENT
  - id: approved
    type: CONDITIONAL_BOUNDARY_EVENT
    attachedToRef: review
    condition: "${approved == true}"
    cancelActivity: true
    outgoing: [fast-end]
  - id: fast-end
    type: END_EVENT
`

func TestVariableCorrelationEvaluatesOnlyAffectedConditions(t *testing.T) {
	eval := newCountingEvaluator()
	h := newHarness(t, WithEvaluator(eval))
	h.deploy(approvalConditionYAML)
	p := h.start("review", "", map[string]any{"approved": false})
	review := h.activity(p.ID, "review")
	const cond = "${approved == true}"

	eval.reset()
	require.NoError(t, send(h, SetVariables{ExecutionID: review.ID, Variables: map[string]any{"note": "checked"}, Local: true}))
	assert.Equal(t, 0, eval.count(cond))
	assert.Equal(t, model.ActivityScheduled, h.activity(p.ID, "review").State)

	require.NoError(t, send(h, SetVariables{ExecutionID: p.ID, Variables: map[string]any{"approved": true}}))
	assert.Equal(t, 1, eval.count(cond))
	assert.Equal(t, model.ActivityTerminated, h.activity(p.ID, "review").State)
	assert.Equal(t, model.ActivityCompleted, h.activity(p.ID, "approved").State)
	assert.Equal(t, model.ProcessCompleted, h.process(p.ID).State)
	h.noAsyncErrors()
}

const eventSubprocessYAML = `
key: fulfil
activities:
  - id: start
    type: START_EVENT
    outgoing: [pick]
  - id: pick
    type: EXTERNAL_TASK
    topic: pick
    outgoing: [end]
  - id: end
    type: END_EVENT
  - id: on-error
    type: EVENT_SUBPROCESS
  - id: on-error-start
    type: ERROR_START_EVENT
    parentId: on-error
    errorCode: OUT_OF_STOCK
    interrupting: true
    outgoing: [refund]
  - id: refund
    type: EXTERNAL_TASK
    parentId: on-error
    topic: refund
    outgoing: [on-error-end]
  - id: on-error-end
    type: END_EVENT
    parentId: on-error
`

func TestInterruptingEventSubprocessReplacesFlow(t *testing.T) {
	h := newHarness(t)
	h.deploy(eventSubprocessYAML)
	p := h.start("fulfil", "", nil)
	pick := h.activity(p.ID, "pick")

	require.NoError(t, send(h, CorrelateError{ActivityID: pick.ID, Code: "OUT_OF_STOCK"}))

	assert.Equal(t, model.ActivityTerminated, h.activity(p.ID, "pick").State)
	assert.Equal(t, model.ActivityActive, h.activity(p.ID, "on-error").State)
	refund := h.activity(p.ID, "refund")
	assert.Equal(t, model.ActivityScheduled, refund.State)
	assert.True(t, refund.IsAsync())

	h.completeTask(p.ID, "refund", nil)
	assert.Equal(t, model.ActivityCompleted, h.activity(p.ID, "on-error").State)
	assert.False(t, h.hasActivity(p.ID, "end"))
	assert.Equal(t, model.ProcessCompleted, h.process(p.ID).State)
	h.noAsyncErrors()
}

const errorEndYAML = `
key: validate
activities:
  - id: start
    type: START_EVENT
    outgoing: [check]
  - id: check
    type: SUBPROCESS
    outgoing: [end]
  - id: check-start
    type: START_EVENT
    parentId: check
    outgoing: [reject]
  - id: reject
    type: ERROR_END_EVENT
    parentId: check
    errorCode: INVALID
  - id: invalid
    type: ERROR_BOUNDARY_EVENT
    attachedToRef: check
    errorCode: INVALID
    cancelActivity: true
    outgoing: [rejected]
  - id: rejected
    type: END_EVENT
  - id: end
    type: END_EVENT
`

func TestErrorEndEventThrowsToBoundary(t *testing.T) {
	h := newHarness(t)
	h.deploy(errorEndYAML)
	p := h.start("validate", "", nil)

	assert.Equal(t, model.ActivityCompleted, h.activity(p.ID, "reject").State)
	assert.Equal(t, model.ActivityTerminated, h.activity(p.ID, "check").State)
	assert.Equal(t, model.ActivityCompleted, h.activity(p.ID, "rejected").State)
	assert.False(t, h.hasActivity(p.ID, "end"))
	assert.Equal(t, model.ProcessCompleted, h.process(p.ID).State)
	h.noAsyncErrors()
}

const signalBoundaryYAML = `
key: dispatch
activities:
  - id: start
    type: START_EVENT
    outgoing: [pack]
  - id: pack
    type: EXTERNAL_TASK
    topic: pack
    outgoing: [end]
  - id: end
    type: END_EVENT
  - id: recalled
    type: SIGNAL_BOUNDARY_EVENT
    attachedToRef: pack
    cancelActivity: true
    outgoing: [recalled-end]
  - id: recalled-end
    type: END_EVENT
`

func TestTriggerSignalBoundaryInterruptsTask(t *testing.T) {
	h := newHarness(t)
	h.deploy(signalBoundaryYAML)
	p := h.start("dispatch", "", nil)

	require.NoError(t, send(h, TriggerActivity{ProcessID: p.ID, DefinitionID: "recalled"}))

	assert.Equal(t, model.ActivityTerminated, h.activity(p.ID, "pack").State)
	assert.Equal(t, model.ActivityCompleted, h.activity(p.ID, "recalled").State)
	assert.False(t, h.hasActivity(p.ID, "end"))
	assert.Equal(t, model.ProcessCompleted, h.process(p.ID).State)
	h.noAsyncErrors()
}

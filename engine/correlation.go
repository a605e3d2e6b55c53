package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/goliatone/go-orchestrator/model"
	"github.com/goliatone/go-orchestrator/store"
)

type throwKind int

const (
	throwError throwKind = iota
	throwEscalation
	throwMessage
)

func (k throwKind) String() string {
	switch k {
	case throwError:
		return "error"
	case throwEscalation:
		return "escalation"
	default:
		return "message"
	}
}

func (k throwKind) types() (boundary, start model.ActivityType) {
	if k == throwEscalation {
		return model.EscalationBoundaryEvent, model.EscalationStartEvent
	}
	return model.ErrorBoundaryEvent, model.ErrorStartEvent
}

func (k throwKind) code(def *model.ActivityDefinition) string {
	if k == throwEscalation {
		return def.EscalationCode
	}
	return def.ErrorCode
}

func (r *Runtime) correlateError(ctx context.Context, cmd CorrelateError) error {
	a, err := r.findActivity(ctx, ByID(cmd.ActivityID))
	if err != nil {
		return err
	}
	return r.correlateThrow(ctx, a, throwError, cmd.Code)
}

func (r *Runtime) correlateEscalation(ctx context.Context, cmd CorrelateEscalation) error {
	a, err := r.findActivity(ctx, ByID(cmd.ActivityID))
	if err != nil {
		return err
	}
	return r.correlateThrow(ctx, a, throwEscalation, cmd.Code)
}

// correlateThrow looks for a handler of code around the raiser and, failing
// that, around the call activity of every ancestor process. An error that
// leaves a child process interrupts the call activities it passed, which
// ends their child processes. Unhandled errors raise an incident on the
// outermost process reached.
func (r *Runtime) correlateThrow(ctx context.Context, raiser *model.ActivityExecution, kind throwKind, code string) error {
	p, element := raiser.Process, raiser.DefinitionID
	var outermost string
	for {
		if handler, ok := findHandler(p.Definition, element, kind, code); ok {
			r.log(ctx).Debug("%s %q raised by %s handled by %s in process %s", kind, code, raiser.ID, handler.ID, p.ID)
			if err := dispatch(ctx, r, TriggerActivity{ProcessID: p.ID, DefinitionID: handler.ID}); err != nil {
				return err
			}
			return r.interruptCall(ctx, kind, outermost)
		}
		if !p.IsChild() {
			break
		}
		call, err := r.findActivity(ctx, ByID(p.ID))
		if err != nil {
			if store.IsNotFound(err) {
				break
			}
			return err
		}
		outermost = call.ID
		p, element = call.Process, call.DefinitionID
	}

	if kind != throwError {
		r.log(ctx).Debug("escalation %q raised by %s has no handler", code, raiser.ID)
		return nil
	}
	if err := r.interruptCall(ctx, kind, outermost); err != nil {
		return err
	}
	r.log(ctx).Warn("error %q raised by %s has no handler", code, raiser.ID)
	return dispatch(ctx, r, NewIncidentProcess(p.ID))
}

// interruptCall terminates the outermost call activity an error climbed
// past. Terminating it ends every nested child process.
func (r *Runtime) interruptCall(ctx context.Context, kind throwKind, callID string) error {
	if kind != throwError || callID == "" {
		return nil
	}
	return dispatch(ctx, r, TerminateActivity{ActivityRef: ByID(callID), Interrupt: true})
}

// findHandler searches the scope of elementID innermost first. Boundary
// events are tried before event subprocess starts; within each kind the
// exact code wins over a catch-all handler without a code. The first match
// in definition order wins.
func findHandler(def *model.ProcessDefinition, elementID string, kind throwKind, code string) (*model.ActivityDefinition, bool) {
	scope := def.Scope(elementID)
	boundaryType, startType := kind.types()
	boundaries := def.ByType(boundaryType)
	starts := def.ByType(startType)

	codes := []string{code, ""}
	if code == "" {
		codes = codes[1:]
	}

	for _, wanted := range codes {
		for _, element := range scope {
			for _, b := range boundaries {
				if b.AttachedToRef == element && kind.code(b) == wanted {
					return b, true
				}
			}
		}
	}
	for _, wanted := range codes {
		for _, element := range scope {
			for _, s := range starts {
				sub, ok := def.Activity(s.ParentID)
				if !ok || sub.Type != model.EventSubprocess || kind.code(s) != wanted {
					continue
				}
				// an event subprocess never catches what its own flow raises
				if slices.Contains(scope, sub.ID) {
					continue
				}
				container := sub.ParentID
				if container == "" {
					container = def.ID
				}
				if container == element {
					return s, true
				}
			}
		}
	}
	return nil, false
}

func (r *Runtime) correlateMessage(ctx context.Context, cmd CorrelateMessage) (string, error) {
	if cmd.BusinessKey == "" && len(cmd.Keys) == 0 {
		return "", ambiguous(cmd.Message, 0, "business key or correlation keys required")
	}

	candidates, err := r.store.FindProcessesForCorrelation(ctx, store.CorrelationQuery{
		BusinessKey: cmd.BusinessKey,
		Keys:        cmd.Keys,
	})
	if err != nil {
		return "", err
	}

	var matched []*model.ProcessExecution
	for _, p := range candidates {
		if p.IsTerminal() {
			continue
		}
		if p.Definition == nil {
			if p, err = r.findProcess(ctx, p.ID); err != nil {
				return "", err
			}
		}
		if p.Definition.DeclaresMessage(cmd.Message) {
			matched = append(matched, p)
		}
	}
	if len(matched) != 1 {
		return "", ambiguous(cmd.Message, len(matched), "")
	}

	p := matched[0]
	if len(cmd.Variables) > 0 {
		if _, err := r.variables.SetProcessVariables(ctx, p, cmd.Variables); err != nil {
			return "", err
		}
	}

	var errs []error
	for _, receiver := range p.Definition.MessageReceivers(cmd.Message) {
		if err := dispatch(ctx, r, TriggerActivity{ProcessID: p.ID, DefinitionID: receiver.ID}); err != nil {
			errs = append(errs, err)
		}
	}
	return p.ID, errors.Join(errs...)
}

func ambiguous(message string, count int, detail string) error {
	text := fmt.Sprintf("message %s matched %d processes", message, count)
	if detail != "" {
		text = fmt.Sprintf("message %s: %s", message, detail)
	}
	return newError(ErrAmbiguousCorrelation, text, nil, map[string]any{
		"message": message,
		"count":   count,
	})
}

func (r *Runtime) correlateVariables(ctx context.Context, cmd CorrelateVariables) error {
	if len(cmd.Variables) == 0 {
		return nil
	}
	p, err := r.findProcess(ctx, cmd.ProcessID)
	if err != nil {
		return err
	}
	if p.IsTerminal() {
		return nil
	}

	conditionals := p.Definition.ByType(model.ConditionalBoundaryEvent, model.ConditionalIntermediateCatchEvent)
	if len(conditionals) == 0 {
		return nil
	}

	changed := make(map[string]bool, len(cmd.Variables))
	for _, v := range cmd.Variables {
		changed[v.ExecutionDefinitionID] = true
	}

	var (
		snapshot []model.Variable
		loaded   bool
		errs     []error
	)
	for _, c := range conditionals {
		scope := p.Definition.Scope(c.ID)
		if !slices.ContainsFunc(scope, func(id string) bool { return changed[id] }) {
			continue
		}
		if !loaded {
			if snapshot, err = r.store.FindVariables(ctx, p.ID); err != nil {
				return err
			}
			loaded = true
		}
		ok, err := r.evaluator.EvaluateBoolean(c.Condition, model.ScopedMap(snapshot, scope))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := dispatch(ctx, r, TriggerActivity{ProcessID: p.ID, DefinitionID: c.ID}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

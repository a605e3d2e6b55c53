package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ActivityDefinition is one node of a process graph. Type specific fields
// are left zero when they do not apply.
type ActivityDefinition struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	ParentID string         `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Type     ActivityType   `json:"type" yaml:"type"`
	Incoming []string       `json:"incoming,omitempty" yaml:"incoming,omitempty"`
	Outgoing []string       `json:"outgoing,omitempty" yaml:"outgoing,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs  map[string]any `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	Topic   string `json:"topic,omitempty" yaml:"topic,omitempty"`
	Retries *int   `json:"retries,omitempty" yaml:"retries,omitempty"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	AttachedToRef  string `json:"attachedToRef,omitempty" yaml:"attachedToRef,omitempty"`
	CancelActivity bool   `json:"cancelActivity,omitempty" yaml:"cancelActivity,omitempty"`
	Interrupting   bool   `json:"interrupting,omitempty" yaml:"interrupting,omitempty"`

	ErrorCode        string `json:"errorCode,omitempty" yaml:"errorCode,omitempty"`
	EscalationCode   string `json:"escalationCode,omitempty" yaml:"escalationCode,omitempty"`
	MessageReference string `json:"messageReference,omitempty" yaml:"messageReference,omitempty"`
	Condition        string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Conditions maps a gateway condition to target activity ids. The empty
	// key holds the default path.
	Conditions map[string][]string `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	CalledElement        string `json:"calledElement,omitempty" yaml:"calledElement,omitempty"`
	CalledElementVersion int    `json:"calledElementVersion,omitempty" yaml:"calledElementVersion,omitempty"`
	InheritVariables     bool   `json:"inheritVariables,omitempty" yaml:"inheritVariables,omitempty"`
}

// TaskTimeout parses Timeout as a Go duration.
func (a *ActivityDefinition) TaskTimeout() (time.Duration, bool) {
	if strings.TrimSpace(a.Timeout) == "" {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(a.Timeout))
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// ProcessDefinition is an immutable, versioned process graph.
type ProcessDefinition struct {
	ID         string               `json:"id" yaml:"id"`
	Key        string               `json:"key" yaml:"key"`
	Name       string               `json:"name,omitempty" yaml:"name,omitempty"`
	Version    int                  `json:"version" yaml:"version"`
	Activities []ActivityDefinition `json:"activities" yaml:"activities"`
	Messages   []string             `json:"messages,omitempty" yaml:"messages,omitempty"`
	Suspended  bool                 `json:"suspended,omitempty" yaml:"suspended,omitempty"`
	CreatedAt  time.Time            `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt  time.Time            `json:"updatedAt,omitempty" yaml:"-"`
}

// Activity returns the activity definition with id.
func (d *ProcessDefinition) Activity(id string) (*ActivityDefinition, bool) {
	for i := range d.Activities {
		if d.Activities[i].ID == id {
			return &d.Activities[i], true
		}
	}
	return nil, false
}

// StartActivity returns the top level start event.
func (d *ProcessDefinition) StartActivity() (*ActivityDefinition, bool) {
	for i := range d.Activities {
		a := &d.Activities[i]
		if a.Type == StartEvent && a.ParentID == "" {
			return a, true
		}
	}
	return nil, false
}

// Parents returns the enclosing containers of activityID, innermost first.
func (d *ProcessDefinition) Parents(activityID string) []*ActivityDefinition {
	current, ok := d.Activity(activityID)
	if !ok {
		return nil
	}
	var parents []*ActivityDefinition
	seen := map[string]bool{current.ID: true}
	for current.ParentID != "" && !seen[current.ParentID] {
		parent, ok := d.Activity(current.ParentID)
		if !ok {
			break
		}
		seen[parent.ID] = true
		parents = append(parents, parent)
		current = parent
	}
	return parents
}

// Scope returns [activityID, parent, grandparent, ..., definitionID].
func (d *ProcessDefinition) Scope(activityID string) []string {
	parents := d.Parents(activityID)
	scope := make([]string, 0, len(parents)+2)
	scope = append(scope, activityID)
	for _, p := range parents {
		scope = append(scope, p.ID)
	}
	return append(scope, d.ID)
}

// IsAsync reports whether activityID runs inside an event subprocess.
func (d *ProcessDefinition) IsAsync(activityID string) bool {
	if a, ok := d.Activity(activityID); ok && a.Type == EventSubprocess {
		return true
	}
	for _, p := range d.Parents(activityID) {
		if p.Type == EventSubprocess {
			return true
		}
	}
	return false
}

// Next returns the successors of activityID in definition order.
func (d *ProcessDefinition) Next(activityID string) []*ActivityDefinition {
	a, ok := d.Activity(activityID)
	if !ok {
		return nil
	}
	return d.lookup(a.Outgoing)
}

// Previous returns the predecessors of activityID in definition order.
func (d *ProcessDefinition) Previous(activityID string) []*ActivityDefinition {
	a, ok := d.Activity(activityID)
	if !ok {
		return nil
	}
	return d.lookup(a.Incoming)
}

// Lookup resolves ids in definition order, skipping unknown ids.
func (d *ProcessDefinition) Lookup(ids []string) []*ActivityDefinition {
	return d.lookup(ids)
}

func (d *ProcessDefinition) lookup(ids []string) []*ActivityDefinition {
	out := make([]*ActivityDefinition, 0, len(ids))
	for i := range d.Activities {
		if slices.Contains(ids, d.Activities[i].ID) {
			out = append(out, &d.Activities[i])
		}
	}
	return out
}

// Children returns the direct children of parentID. An empty parentID
// returns the top level activities.
func (d *ProcessDefinition) Children(parentID string) []*ActivityDefinition {
	var out []*ActivityDefinition
	for i := range d.Activities {
		if d.Activities[i].ParentID == parentID {
			out = append(out, &d.Activities[i])
		}
	}
	return out
}

// ChildIDs returns the ids of the direct children of parentID.
func (d *ProcessDefinition) ChildIDs(parentID string) []string {
	children := d.Children(parentID)
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	return ids
}

// ChildStartEvent returns the first start event nested directly in parentID.
func (d *ProcessDefinition) ChildStartEvent(parentID string) (*ActivityDefinition, bool) {
	for _, c := range d.Children(parentID) {
		if c.Type.IsStartEvent() {
			return c, true
		}
	}
	return nil, false
}

// ByType returns every activity whose type is in types, in definition order.
func (d *ProcessDefinition) ByType(types ...ActivityType) []*ActivityDefinition {
	var out []*ActivityDefinition
	for i := range d.Activities {
		if slices.Contains(types, d.Activities[i].Type) {
			out = append(out, &d.Activities[i])
		}
	}
	return out
}

// MessageReceivers returns every activity waiting for message name.
func (d *ProcessDefinition) MessageReceivers(name string) []*ActivityDefinition {
	var out []*ActivityDefinition
	for i := range d.Activities {
		a := &d.Activities[i]
		if a.MessageReference == name && a.Type.IsMessageCatch() {
			out = append(out, a)
		}
	}
	return out
}

// DeclaresMessage reports whether the definition can receive message name.
func (d *ProcessDefinition) DeclaresMessage(name string) bool {
	if slices.Contains(d.Messages, name) {
		return true
	}
	return len(d.MessageReceivers(name)) > 0
}

// Validate checks structural consistency of the graph.
func (d *ProcessDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("definition id required")
	}
	if strings.TrimSpace(d.Key) == "" {
		return fmt.Errorf("definition %s: key required", d.ID)
	}

	ids := make(map[string]bool, len(d.Activities))
	for _, a := range d.Activities {
		if a.ID == "" {
			return fmt.Errorf("definition %s: activity id required", d.ID)
		}
		if ids[a.ID] {
			return fmt.Errorf("definition %s: duplicate activity id %q", d.ID, a.ID)
		}
		if !a.Type.Valid() {
			return fmt.Errorf("definition %s: activity %q has unknown type %q", d.ID, a.ID, a.Type)
		}
		ids[a.ID] = true
	}

	for _, a := range d.Activities {
		refs := append(append([]string{}, a.Incoming...), a.Outgoing...)
		if a.ParentID != "" {
			refs = append(refs, a.ParentID)
		}
		if a.AttachedToRef != "" {
			refs = append(refs, a.AttachedToRef)
		}
		for _, targets := range a.Conditions {
			refs = append(refs, targets...)
		}
		for _, ref := range refs {
			if !ids[ref] {
				return fmt.Errorf("definition %s: activity %q references unknown activity %q", d.ID, a.ID, ref)
			}
		}
		if a.Type.IsBoundaryEvent() && a.AttachedToRef == "" {
			return fmt.Errorf("definition %s: boundary event %q requires attachedToRef", d.ID, a.ID)
		}
		if a.Type == CallActivity && a.CalledElement == "" {
			return fmt.Errorf("definition %s: call activity %q requires calledElement", d.ID, a.ID)
		}
	}

	if _, ok := d.StartActivity(); !ok {
		return fmt.Errorf("definition %s: top level START_EVENT required", d.ID)
	}
	return nil
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStates(t *testing.T) {
	assert.False(t, ActivityFailed.IsTerminal())
	assert.False(t, ActivityScheduled.IsTerminal())
	assert.True(t, ActivityCancelled.IsTerminal())
	assert.True(t, ProcessDeleted.IsTerminal())
	assert.False(t, ProcessIncident.IsTerminal())
}

func TestNewProcessInheritsSuspension(t *testing.T) {
	def := &ProcessDefinition{ID: "p:1", Key: "p", Suspended: true}
	p := NewProcess("p-1", def)

	assert.Equal(t, ProcessActive, p.State)
	assert.True(t, p.Suspended)
	assert.Equal(t, "p-1", p.RootProcessID)
	assert.Equal(t, "p", p.DefinitionKey)
}

func TestNewActivityResolvesDefinition(t *testing.T) {
	def := &ProcessDefinition{ID: "p:1", Key: "p", Activities: []ActivityDefinition{
		{ID: "sub", Type: EventSubprocess},
		{ID: "task", Type: ExternalTask, ParentID: "sub", Topic: "work"},
	}}
	p := NewProcess("p-1", def)
	task, _ := def.Activity("task")
	a := NewActivity("a-1", p, task)

	assert.True(t, a.IsNew())
	assert.True(t, a.IsAsync())
	assert.Equal(t, "work", a.Topic)
	assert.Equal(t, "sub", a.ParentDefinitionID)
	assert.Equal(t, []string{"task", "sub", "p:1"}, a.Scope())

	resolved, ok := a.Definition()
	assert.True(t, ok)
	assert.Same(t, task, resolved)

	cp := a.Clone()
	cp.State = ActivityCompleted
	assert.True(t, a.IsNew())
}

package blog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventFireIsSilentWhenDisabled(t *testing.T) {
	SetEventsEnabled(false)
	ev := NewEvent("testcomp", "quiet")
	out := captureOutput(t, func(l *Logger) {
		ev.FireTo(l, "key", "value")
	})
	assert.Empty(t, out)
}

func TestEventFireEmitsComponentActionAndDetails(t *testing.T) {
	SetEventsEnabled(true)
	defer SetEventsEnabled(false)

	ev := NewEvent("testcomp", "loud")
	out := captureOutput(t, func(l *Logger) {
		ev.FireTo(l, "count", 3, "reason", "split")
	})
	assert.Contains(t, out, "testcomp/loud")
	assert.Contains(t, out, "count=3")
	assert.Contains(t, out, "reason=split")
}

func TestAvailableEventsListsDeclaredEvents(t *testing.T) {
	NewEvent("testcomp", "declared")
	assert.Contains(t, AvailableEvents(), "testcomp/declared")
}

package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLoggerFormat(t *testing.T) {
	buf := capture(t)

	NewLogger("orchestrator").Info("submitted %s", "issue-1")

	line := buf.String()
	assert.Contains(t, line, "[orchestrator] INFO: submitted issue-1")
	assert.True(t, strings.HasPrefix(line, "["))
}

func TestLoggerWithFields(t *testing.T) {
	buf := capture(t)

	NewLogger("executor").With("job", "j1", "turn", 3).Warn("slow turn")

	assert.Contains(t, buf.String(), "WARN: slow turn job=j1 turn=3")
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := capture(t)
	t.Cleanup(func() { SetDebug(false) })

	SetDebug(false)
	NewLogger("job:1").Debug("hidden")
	assert.Empty(t, buf.String())

	SetDebug(true, "feedback")
	NewLogger("job:1").Debug("still hidden")
	assert.Empty(t, buf.String())

	SetDebug(true, "job")
	NewLogger("job:1").Debug("visible")
	assert.Contains(t, buf.String(), "[job:1] DEBUG: visible")
}

func TestWrap(t *testing.T) {
	capture(t)
	base := errors.New("boom")

	assert.NoError(t, Wrap(nil, "ignored"))

	err := Wrap(base, "db connect")
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "db connect: boom", err.Error())
}

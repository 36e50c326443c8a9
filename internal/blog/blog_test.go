package blog

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T, fn func(*Logger)) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	l := New(w)
	fn(l)
	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestVGateRespectsGlobalVerbosity(t *testing.T) {
	l := New(nil)
	l.SetVerbosity(2)
	assert.True(t, bool(l.V(1)))
	assert.True(t, bool(l.V(2)))
	assert.False(t, bool(l.V(3)))
}

func TestVModuleOverridesGlobalVerbosityForMatchingFile(t *testing.T) {
	l := New(nil)
	l.SetVerbosity(0)
	require.NoError(t, l.VModule().Set("blog_test.go=5"))
	assert.True(t, bool(l.V(5)), "this file matches the vmodule pattern and should log at level 5")
	assert.False(t, bool(l.V(6)))
}

func TestVModuleRejectsMalformedClause(t *testing.T) {
	l := New(nil)
	assert.Error(t, l.VModule().Set("no-equals-sign"))
	assert.Error(t, l.VModule().Set("pattern=notanumber"))
}

func TestVModuleIgnoresZeroAndNegativeLevels(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.VModule().Set("blog_test.go=0"))
	assert.Equal(t, "", l.VModule().String())
}

func TestLoggerWritesSeverityPrefixedLine(t *testing.T) {
	out := captureOutput(t, func(l *Logger) {
		l.Info("hello world")
	})
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "INFO")
}

func TestLoggerErrorfFormatsArgs(t *testing.T) {
	out := captureOutput(t, func(l *Logger) {
		l.Errorf("code=%d msg=%s", 7, "boom")
	})
	assert.True(t, strings.Contains(out, "code=7 msg=boom"))
	assert.Contains(t, out, "ERROR")
}

package buildinfo

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentPopulatesIdentityAtInit(t *testing.T) {
	id := Current()
	require.NotNil(t, id)
	assert.NotEmpty(t, id.Hostname)
	assert.NotEmpty(t, id.MachineID)
	assert.NotEmpty(t, id.SessionID)
	assert.Len(t, id.SessionID, 8)
	assert.Equal(t, os.Getpid(), id.Pid)
}

func TestStringIncludesCoreFields(t *testing.T) {
	id := Current()
	s := id.String()
	assert.Contains(t, s, "version=")
	assert.Contains(t, s, "session="+id.SessionID)
	assert.Contains(t, s, "pid=")
}

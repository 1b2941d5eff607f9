package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ssOutput = `State   Recv-Q  Send-Q  Local Address:Port  Peer Address:Port  Process
LISTEN  0       511     0.0.0.0:3000        0.0.0.0:*          users:(("node",pid=1234,fd=20))
LISTEN  0       128     127.0.0.1:8000      0.0.0.0:*          users:(("python3",pid=567,fd=5))
LISTEN  0       511     [::]:3000           [::]:*             users:(("node",pid=1234,fd=21))
ESTAB   0       0       10.0.0.5:44312      151.101.1.69:443
`

const netstatOutput = `Active Internet connections (only servers)
Proto Recv-Q Send-Q Local Address           Foreign Address         State       PID/Program name
tcp        0      0 0.0.0.0:5173            0.0.0.0:*               LISTEN      89/node
`

func TestParseListenersSS(t *testing.T) {
	ports := ParseListeners(ssOutput)
	require.Len(t, ports, 2)

	node, ok := ports[3000]
	require.True(t, ok)
	assert.Equal(t, "node", node.Process)
	assert.Equal(t, 1234, node.PID)
	// v4 listed first wins over the dual-stack v6 row.
	assert.Equal(t, "0.0.0.0", node.Address)

	py, ok := ports[8000]
	require.True(t, ok)
	assert.Equal(t, "python3", py.Process)
	assert.Equal(t, 567, py.PID)
	assert.Equal(t, "127.0.0.1", py.Address)
}

func TestParseListenersNetstatFallback(t *testing.T) {
	ports := ParseListeners(netstatOutput)
	require.Len(t, ports, 1)

	info, ok := ports[5173]
	require.True(t, ok)
	assert.Equal(t, "0.0.0.0", info.Address)
}

func TestParseListenersGarbage(t *testing.T) {
	assert.Empty(t, ParseListeners(""))
	assert.Empty(t, ParseListeners("sh: ss: not found\nsh: netstat: not found\n"))
	assert.Empty(t, ParseListeners("LISTEN but no port columns here"))
}

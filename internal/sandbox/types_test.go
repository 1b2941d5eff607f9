package sandbox

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommandResultSemantics(t *testing.T) {
	ok := &CommandResult{ExitCode: 0}
	assert.True(t, ok.Success())
	assert.False(t, ok.TimedOut())

	// A non-zero exit is a normal result.
	failed := &CommandResult{ExitCode: 2, Stderr: "make: *** [build] Error 2"}
	assert.False(t, failed.Success())
	assert.False(t, failed.TimedOut())
}

func TestTimeoutResult(t *testing.T) {
	r := TimeoutResult(30*time.Second, 31*time.Second)

	assert.Equal(t, TimeoutExitCode, r.ExitCode)
	assert.True(t, r.TimedOut())
	assert.False(t, r.Success())
	assert.Contains(t, r.Stderr, "timed out after 30s")
	assert.Equal(t, 31*time.Second, r.Duration)
}

func TestFailureResult(t *testing.T) {
	r := FailureResult(errors.New("connection refused"), time.Second)

	assert.Equal(t, 1, r.ExitCode)
	assert.False(t, r.Success())
	assert.False(t, r.TimedOut())
	assert.Contains(t, r.Stderr, "connection refused")
}

func TestFileResultHelpers(t *testing.T) {
	ok := FileOK("a.txt")
	assert.True(t, ok.Success)
	assert.Equal(t, "a.txt", ok.Path)

	content := FileContent("a.txt", "hello")
	assert.True(t, content.Success)
	assert.Equal(t, "hello", content.Content)

	fail := FileFail("a.txt", "file not found: %s", "a.txt")
	assert.False(t, fail.Success)
	assert.Equal(t, "file not found: a.txt", fail.Error)
}

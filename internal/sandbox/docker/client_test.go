package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemuxStreamsSplitsChannels(t *testing.T) {
	var mux bytes.Buffer
	_, err := stdcopy.NewStdWriter(&mux, stdcopy.Stdout).Write([]byte("hello\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&mux, stdcopy.Stderr).Write([]byte("warn\n"))
	require.NoError(t, err)

	stdout, stderr, copyErr := demuxStreams(context.Background(), &mux, func() {})
	require.NoError(t, copyErr)
	assert.Equal(t, "hello\n", stdout)
	assert.Equal(t, "warn\n", stderr)
}

func TestDemuxStreamsUnblocksOnDeadline(t *testing.T) {
	// A pipe that is never written models a command sleeping past its
	// timeout: without the watchdog the read would block until the
	// process exits.
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, copyErr := demuxStreams(ctx, pr, func() { pr.Close() })
	elapsed := time.Since(start)

	require.Error(t, copyErr)
	assert.Equal(t, context.DeadlineExceeded, ctx.Err())
	assert.Less(t, elapsed, 2*time.Second)
}

func TestIsImageMissing(t *testing.T) {
	assert.False(t, IsImageMissing(nil))
	assert.True(t, IsImageMissing(errors.New("Error: No such image: ubuntu:22.04")))
	assert.False(t, IsImageMissing(errors.New("permission denied")))
}

package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{Command: "echo hello"})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestRunNonZeroExit(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{Command: "sh -c 'exit 3'"})
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, KindNone, res.Kind)
}

func TestRunSpawnFailure(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{Command: "this-binary-does-not-exist-anywhere"})
	require.Error(t, err)
	assert.Equal(t, KindSpawn, res.Kind)
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{
		Command: "sleep 5",
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, KindTimeout, res.Kind)
}

func TestRunStreamingDeliversLines(t *testing.T) {
	r := NewRunner()
	var lines []string
	res, err := r.RunStreaming(context.Background(), Spec{Command: "printf 'a\\nb\\nc\\n'"}, func(stream, line string) {
		if stream == "stdout" {
			lines = append(lines, line)
		}
	})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestRunZeroTimeoutMeansNoTimeout(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{Command: "echo ok", Timeout: 0})
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.True(t, res.Success())
}

package progress_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"task-controller/internal/progress"
	"task-controller/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleLine(t *testing.T) {
	line, err := progress.Parse([]byte("T1\t100.0\t1.0\tDONE\n"))
	require.NoError(t, err)

	assert.Equal(t, "T1", line.TaskId)
	assert.Equal(t, 100.0, line.Timestamp)
	assert.Equal(t, 1.0, line.Percent)
	assert.Equal(t, models.StateDone, line.State)
	assert.Empty(t, line.Trace)
}

func TestParseErrorWithTrace(t *testing.T) {
	data := "T1\t105.5\t0.3\tERROR\t1005\tworker exited with status 1\nTraceback:\n  line 1\n"
	line, err := progress.Parse([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, models.StateError, line.State)
	assert.Equal(t, 1005, line.ErrorCode)
	assert.Equal(t, "worker exited with status 1", line.ErrorMessage)
	assert.Equal(t, []string{"Traceback:", "  line 1"}, line.Trace)
}

func TestParseMalformed(t *testing.T) {
	for _, data := range []string{"", "T1\t100", "T1\tnot-a-time\t0.5\tRUNNING", "T1\t100\tnan%\tRUNNING"} {
		line, err := progress.Parse([]byte(data))
		assert.ErrorIs(t, err, progress.ErrMalformed, "input %q", data)
		assert.Equal(t, models.StateUnknown, line.State)
	}
}

func TestParseUnknownStateAndClamp(t *testing.T) {
	line, err := progress.Parse([]byte("T1\t1\t1.7\tPAUSED"))
	require.NoError(t, err)
	assert.Equal(t, models.StateUnknown, line.State)
	assert.Equal(t, 1.0, line.Percent)
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "monitor.txt")

	trace := make([]string, 150)
	for i := range trace {
		trace[i] = fmt.Sprintf("frame %d", i)
	}

	require.NoError(t, progress.Write(path, progress.Line{
		TaskId:       "T1",
		Timestamp:    12.5,
		Percent:      1,
		State:        models.StateError,
		ErrorCode:    int(models.CodeWorkerFailed),
		ErrorMessage: "bad\tinput\nhere",
		Trace:        trace,
	}))

	line, err := progress.Read(path)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, line.State)
	assert.Equal(t, "bad input here", line.ErrorMessage)
	assert.Len(t, line.Trace, progress.MaxTraceLines)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFormatOmitsErrorFieldsWhenRunning(t *testing.T) {
	out := progress.Format(progress.Line{TaskId: "T1", Timestamp: 105, Percent: 0.5, State: models.StateRunning})
	assert.Equal(t, "T1\t105\t0.5\tRUNNING\n", out)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\t"), 4)
}

func TestReadMissing(t *testing.T) {
	_, err := progress.Read(filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

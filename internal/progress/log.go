package progress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"task-controller/pkg/models"
)

// MaxTraceLines caps the stack trace kept with an ERROR line.
const MaxTraceLines = 100

var ErrMalformed = errors.New("malformed progress log")

// Line is the first line of a progress log plus any trailing trace lines.
//
//	task_id \t timestamp \t percent \t state [\t error_code \t error_message]
type Line struct {
	TaskId       string
	Timestamp    float64
	Percent      float64
	State        models.TaskState
	ErrorCode    int
	ErrorMessage string
	Trace        []string
}

func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func Format(l Line) string {
	fields := []string{
		l.TaskId,
		strconv.FormatFloat(l.Timestamp, 'f', -1, 64),
		strconv.FormatFloat(clamp(l.Percent), 'f', -1, 64),
		string(l.State),
	}
	if l.State == models.StateError || l.ErrorCode != 0 {
		fields = append(fields, strconv.Itoa(l.ErrorCode), sanitize(l.ErrorMessage))
	}

	var b strings.Builder
	b.WriteString(strings.Join(fields, "\t"))
	b.WriteByte('\n')
	for _, t := range capTrace(l.Trace) {
		b.WriteString(t)
		b.WriteByte('\n')
	}
	return b.String()
}

// Parse reads a progress log. A malformed first line yields ErrMalformed and
// a Line whose state is UNKNOWN.
func Parse(data []byte) (Line, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\r\n"), "\n")
	first := strings.TrimRight(lines[0], "\r")

	fields := strings.Split(first, "\t")
	if len(fields) < 4 {
		return Line{State: models.StateUnknown}, fmt.Errorf("%w: expected at least 4 fields, got %d", ErrMalformed, len(fields))
	}

	ts, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Line{TaskId: fields[0], State: models.StateUnknown}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformed, fields[1])
	}
	percent, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return Line{TaskId: fields[0], State: models.StateUnknown}, fmt.Errorf("%w: invalid percent %q", ErrMalformed, fields[2])
	}

	line := Line{
		TaskId:    fields[0],
		Timestamp: ts,
		Percent:   clamp(percent),
		State:     models.ParseTaskState(fields[3]),
	}
	if len(fields) > 4 {
		if code, err := strconv.Atoi(strings.TrimSpace(fields[4])); err == nil {
			line.ErrorCode = code
		}
	}
	if len(fields) > 5 {
		line.ErrorMessage = strings.Join(fields[5:], "\t")
	}
	if len(lines) > 1 {
		line.Trace = capTrace(lines[1:])
	}

	return line, nil
}

// Read returns errors satisfying errors.Is(err, os.ErrNotExist) for missing
// files so callers can treat them as "no update yet".
func Read(path string) (Line, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Line{State: models.StateUnknown}, err
	}
	return Parse(data)
}

// Write replaces the log through a rename so readers never observe a partial line.
func Write(path string, l Line) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for progress log %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".monitor-*")
	if err != nil {
		return fmt.Errorf("failed to create temp progress log for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(Format(l)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write progress log %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close progress log %s: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace progress log %s: %w", path, err)
	}
	return nil
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func sanitize(msg string) string {
	return strings.NewReplacer("\t", " ", "\r", " ", "\n", " ").Replace(msg)
}

func capTrace(trace []string) []string {
	if len(trace) > MaxTraceLines {
		return trace[:MaxTraceLines]
	}
	return trace
}

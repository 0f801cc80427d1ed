package invoker

import (
	"errors"
	"fmt"

	"task-controller/pkg/models"
)

// TaskError is a failure that carries a client-visible code. Trace holds the
// tail of the worker's stderr when a worker command failed.
type TaskError struct {
	Code    models.Code
	Message string
	Trace   []string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func Errorf(code models.Code, format string, args ...any) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code models.Code, err error, format string, args ...any) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns CodeInternal for errors that carry no code.
func CodeOf(err error) models.Code {
	if err == nil {
		return models.CodeOK
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code
	}
	return models.CodeInternal
}

func TraceOf(err error) []string {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Trace
	}
	return nil
}

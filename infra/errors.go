package infra

import "errors"

var (
	// ErrNotFound is returned when the server does not know the job id.
	ErrNotFound = errors.New("workflow not found")
	// ErrTransient covers transport failures and 5xx responses. Callers may retry.
	ErrTransient     = errors.New("execution server unavailable")
	ErrLabelFailed   = errors.New("failed to update workflow labels")
	ErrRestartFailed = errors.New("failed to restart workflow")
	ErrSubmitFailed  = errors.New("failed to submit workflow")
)

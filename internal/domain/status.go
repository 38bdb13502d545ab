// Package domain holds the types shared by the submission side, the
// collaborator clients and the engines.
package domain

import (
	"fmt"
	"strings"
)

// Status is the caller-visible state of an analysis result.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSucceed Status = "SUCCEED"
	StatusFailed  Status = "FAILED"
	StatusNotDone Status = "NOT_DONE"
)

// ParseStatus parses a stored status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(s)); st {
	case StatusRunning, StatusSucceed, StatusFailed, StatusNotDone:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Computed reports whether a computation finished and stored its outcome.
func (s Status) Computed() bool {
	return s == StatusSucceed || s == StatusFailed
}

// Terminal reports whether no further transition happens without an explicit
// invalidation or deletion.
func (s Status) Terminal() bool {
	return s == StatusSucceed || s == StatusFailed || s == StatusNotDone
}

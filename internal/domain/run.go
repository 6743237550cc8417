package domain

import (
	"time"
	"unicode/utf8"
)

// RunStatus is the lifecycle state of a load run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// MaxRunErrorLength bounds the error text stored on a failed run.
const MaxRunErrorLength = 2000

// Run is one row of the run ledger. LastStage names the last stage whose writes were
// committed, or "" when none was.
type Run struct {
	ID         string
	InputURI   string
	Checksum   string
	Status     RunStatus
	LastStage  string
	RunTS      time.Time
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
}

// TruncateError shortens err's text to at most MaxRunErrorLength bytes without splitting
// a UTF-8 sequence.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > MaxRunErrorLength {
		cut := MaxRunErrorLength
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

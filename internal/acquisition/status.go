package acquisition

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidProductID is returned for identifiers that cannot name a
// directory under the acquisition root.
var ErrInvalidProductID = errors.New("invalid product id")

// Status is the lifecycle state of an acquisition task.
type Status int

const (
	Queued Status = iota
	Running
	ExtractionPending
	Completed
	Failed
)

var statusNames = [...]string{
	Queued:            "queued",
	Running:           "running",
	ExtractionPending: "extraction_pending",
	Completed:         "completed",
	Failed:            "failed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// InProgress reports whether a transfer or extraction is under way.
func (s Status) InProgress() bool {
	return s == Running || s == ExtractionPending
}

// Terminal reports whether the task has finished.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Task is a snapshot of one acquisition.
type Task struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Destination string    `json:"destination"`
	Package     string    `json:"package"`
	Extracted   bool      `json:"extracted"`
	Files       int       `json:"files,omitempty"`
	FromCache   bool      `json:"from_cache,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Progress is the answer to PollStatus. Known is false when no task was
// ever started for the id, which is different from a finished one.
type Progress struct {
	Known      bool `json:"known"`
	InProgress bool `json:"in_progress"`
}

// ValidateProductID checks that id is usable as a single path element.
func ValidateProductID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidProductID)
	case len(id) > 255:
		return fmt.Errorf("%w: longer than 255 bytes", ErrInvalidProductID)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidProductID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidProductID, id)
	}
	return nil
}

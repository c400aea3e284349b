package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeoutSeconds applies when a command is created without a timeout.
const DefaultTimeoutSeconds = 300

// MaxTimeoutSeconds bounds command timeouts to seven days.
const MaxTimeoutSeconds = 7 * 24 * 60 * 60

// Command is a named, reusable script. Values are immutable once stored;
// updates replace the whole value.
type Command struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Script         string    `json:"script"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// CommandInput carries the caller-supplied fields of a create or update.
// A nil TimeoutSeconds selects DefaultTimeoutSeconds.
type CommandInput struct {
	Name           string `json:"name" yaml:"name"`
	Description    string `json:"description" yaml:"description"`
	Script         string `json:"script" yaml:"script"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
}

// Normalize trims the name and validates the input, returning the timeout
// that should be stored.
func (in *CommandInput) Normalize() (int, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return 0, Validationf("name is required")
	}
	if strings.TrimSpace(in.Script) == "" {
		return 0, Validationf("script is required")
	}
	if in.TimeoutSeconds == nil {
		return DefaultTimeoutSeconds, nil
	}
	if *in.TimeoutSeconds <= 0 {
		return 0, Validationf("timeout_seconds must be positive, got %d", *in.TimeoutSeconds)
	}
	if *in.TimeoutSeconds > MaxTimeoutSeconds {
		return 0, Validationf("timeout_seconds must be at most %d, got %d", MaxTimeoutSeconds, *in.TimeoutSeconds)
	}
	return *in.TimeoutSeconds, nil
}

// NewID returns a prefixed random identifier such as "cmd-3f2a...".
func NewID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

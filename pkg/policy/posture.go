package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode indicates whether admission fails open or closed when evaluation errors.
type Mode string

const (
	// ModeFailClosed blocks the deployment when the policy cannot be evaluated.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen admits the deployment when the policy cannot be evaluated.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a textual representation into a Mode constant.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return "", errors.New("mode is required")
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// Resolve converts an evaluation failure into the posture's decision.
func (m Mode) Resolve(err error) Decision {
	metadata := map[string]string{"posture": string(m)}
	if err != nil {
		metadata["error"] = err.Error()
	}
	if m == ModeFailOpen {
		return Decision{Action: ActionAllow, Reason: "policy evaluation failed open", Metadata: metadata}
	}
	return Decision{Action: ActionBlock, Reason: "policy evaluation failed", Metadata: metadata}
}

package models

import (
	"encoding/json"
	"fmt"
)

const maxIdentifierLength = 128

// ValidateIdentifier checks that an identifier is non-empty and drawn
// from the allowed character set (alphanumerics plus - _ .).
func ValidateIdentifier(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidIdentifier, name)
	}
	if len(value) > maxIdentifierLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, name, maxIdentifierLength)
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("%w: %s contains %q", ErrInvalidIdentifier, name, r)
		}
	}
	return nil
}

// ValidateMessage checks a single message against the fixed role set
// and content requirements.
func ValidateMessage(msg Message) error {
	switch msg.Role {
	case RoleUser, RoleAgent, RoleSystem:
	default:
		return fmt.Errorf("%w: message role %q", ErrInvalidState, msg.Role)
	}
	if msg.Content == "" {
		return fmt.Errorf("%w: message content is empty", ErrInvalidState)
	}
	return nil
}

// ValidateMetadata checks that every metadata value is JSON-serializable.
func ValidateMetadata(meta map[string]any) error {
	for k, v := range meta {
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("%w: metadata key %q is not serializable", ErrInvalidState, k)
		}
	}
	return nil
}

// Validate checks the full session state. It is called before every
// transition and never partially mutates the state.
func (s *SessionState) Validate() error {
	if err := ValidateIdentifier("user_id", s.UserID); err != nil {
		return err
	}
	if err := ValidateIdentifier("thread_id", s.ThreadID); err != nil {
		return err
	}
	switch s.Status {
	case StatusInit, StatusClassifying, StatusResponding, StatusAwaitingHITL, StatusResolved:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, s.Status)
	}
	for i, msg := range s.Messages {
		if err := ValidateMessage(msg); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	// hitl_decision is only meaningful while an escalation exists or
	// after one was resolved; a session cannot be pending and decided
	// at the same time.
	if s.HITLDecision != DecisionUnset && !s.RequiresHITL {
		return fmt.Errorf("%w: hitl decision %q without escalation", ErrInvalidState, s.HITLDecision)
	}
	return ValidateMetadata(s.Metadata)
}

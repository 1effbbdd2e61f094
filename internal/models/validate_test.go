package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("user_id", "user-123"))
	assert.NoError(t, ValidateIdentifier("user_id", "Alice_99.test"))

	err := ValidateIdentifier("user_id", "")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	err = ValidateIdentifier("thread_id", "thread 1")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	err = ValidateIdentifier("user_id", "user/../etc")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestValidateMessage(t *testing.T) {
	msg := Message{Role: RoleUser, Content: "hello", Timestamp: time.Now()}
	assert.NoError(t, ValidateMessage(msg))

	msg.Role = "customer"
	assert.ErrorIs(t, ValidateMessage(msg), ErrInvalidState)

	msg.Role = RoleAgent
	msg.Content = ""
	assert.ErrorIs(t, ValidateMessage(msg), ErrInvalidState)
}

func TestSessionValidateHITLInvariant(t *testing.T) {
	session := NewSession("user-1", "thread-1")
	require.NoError(t, session.Validate())

	// A decision without an escalation is inconsistent.
	session.HITLDecision = DecisionApproved
	assert.ErrorIs(t, session.Validate(), ErrInvalidState)

	session.RequiresHITL = true
	assert.NoError(t, session.Validate())
}

func TestSessionValidateMetadata(t *testing.T) {
	session := NewSession("user-1", "thread-1")
	session.Metadata["channel"] = "telegram"
	assert.NoError(t, session.Validate())

	session.Metadata["bad"] = make(chan int)
	assert.ErrorIs(t, session.Validate(), ErrInvalidState)
}

func TestRecentTrimsWithoutMutating(t *testing.T) {
	session := NewSession("user-1", "thread-1")
	contents := []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8"}
	for _, c := range contents {
		session.Append(Message{Role: RoleUser, Content: c, Timestamp: time.Now()})
	}

	recent := session.Recent(5)
	require.Len(t, recent, 5)
	for i, msg := range recent {
		assert.Equal(t, contents[3+i], msg.Content)
	}

	// Full history is untouched.
	assert.Len(t, session.Messages, 8)
}

func TestRecentShorterThanWindow(t *testing.T) {
	session := NewSession("user-1", "thread-1")
	session.Append(Message{Role: RoleUser, Content: "only", Timestamp: time.Now()})

	recent := session.Recent(5)
	require.Len(t, recent, 1)
	assert.Equal(t, "only", recent[0].Content)
}

func TestMergeMetadataNeverOverwrites(t *testing.T) {
	session := NewSession("user-1", "thread-1")
	session.Metadata["locale"] = "en"

	session.MergeMetadata(map[string]any{"locale": "fr", "channel": "cli"})

	assert.Equal(t, "en", session.Metadata["locale"])
	assert.Equal(t, "cli", session.Metadata["channel"])
}

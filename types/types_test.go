package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_WrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrStoreUnavailable, "save failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "STORE_UNAVAILABLE")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, ErrStoreUnavailable, GetErrorCode(err))
}

func TestGetErrorCode_ForeignError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetErrorCode(fmt.Errorf("plain")))
}

func TestUrgency_Rank(t *testing.T) {
	assert.Less(t, UrgencyHigh.Rank(), UrgencyMedium.Rank())
	assert.Less(t, UrgencyMedium.Rank(), UrgencyLow.Rank())
	// Unknown urgencies sort last.
	assert.Equal(t, UrgencyLow.Rank(), Urgency("??").Rank())
}

func TestWithMetadata_CopyOnWrite(t *testing.T) {
	base := NewSystemMessage("hello").WithMetadata("a", "1")
	derived := base.WithMetadata("b", "2")

	assert.Equal(t, map[string]string{"a": "1"}, base.Metadata)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, derived.Metadata)
	assert.Equal(t, SenderSystem, derived.SenderID)
}

func TestNewHumanMessage(t *testing.T) {
	msg := NewHumanMessage("what about cost?")
	assert.Equal(t, SenderHuman, msg.SenderID)
	assert.Equal(t, KindHumanInput, msg.Kind)
	assert.False(t, msg.Timestamp.IsZero())
}

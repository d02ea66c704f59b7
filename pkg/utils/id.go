package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed random id, e.g. "ovl_3f2a9c1e4b7d4e0a".
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func NewSessionID() string { return NewID("sess") }
func NewSourceID() string  { return NewID("src") }
func NewOverlayID() string { return NewID("ovl") }
func NewGuestID() string   { return NewID("guest") }

// NewChatMessageID uses a full UUID so ids stay unique across aggregators.
func NewChatMessageID() string { return uuid.NewString() }

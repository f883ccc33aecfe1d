package actionlog

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotImplemented = errors.New("not implemented")
)

// Namespace is the fixed key the durable snapshot is stored under.
const Namespace = "offline-actions"

const (
	KindHabitToggle    = "habit-toggle"
	KindProfileUpdate  = "profile-update"
	KindSettingsUpdate = "settings-update"
)

// QueuedAction is a user mutation recorded locally and not yet
// acknowledged by the backend. It is never modified after creation.
type QueuedAction struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Logger interface {
	Printf(format string, args ...any)
}

// IDGenerator produces action ids. Ids sort by creation time.
type IDGenerator func() string

func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

func cloneActions(actions []QueuedAction) []QueuedAction {
	if actions == nil {
		return []QueuedAction{}
	}
	out := make([]QueuedAction, len(actions))
	for i, action := range actions {
		out[i] = action.clone()
	}
	return out
}

func (a QueuedAction) clone() QueuedAction {
	if a.Payload != nil {
		a.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return a
}

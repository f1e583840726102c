// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// SecurityLevel controls how aggressively a session rotates its key.
type SecurityLevel string

const (
	SecurityStandard SecurityLevel = "standard"
	SecurityHigh     SecurityLevel = "high"
	SecurityMaximum  SecurityLevel = "maximum"
)

// RotationInterval returns the scheduled key-rotation cadence for the level.
// Unknown levels fall back to the standard cadence.
func (l SecurityLevel) RotationInterval() time.Duration {
	switch l {
	case SecurityHigh:
		return 5 * time.Minute
	case SecurityMaximum:
		return time.Minute
	default:
		return 10 * time.Minute
	}
}

// AuthenticityPolicy gates who may join a session with a valid key.
type AuthenticityPolicy string

const (
	// PolicyAnyone admits any holder of the current session key.
	PolicyAnyone AuthenticityPolicy = "anyone"
	// PolicyConnections additionally requires an accepted connection to the creator.
	PolicyConnections AuthenticityPolicy = "connections"
)

// ChatMode selects the message lifecycle.
type ChatMode string

const (
	ModeNormal ChatMode = "normal"
	// ModeSelfDestruct hard-deletes the message shortly after the audience has read it.
	ModeSelfDestruct ChatMode = "self-destruct"
)

// TypingTTL is how long a typing signal stays valid without refresh.
const TypingTTL = 3 * time.Second

// SelfDestructDelay is the grace between full readership and hard deletion.
const SelfDestructDelay = 10 * time.Second

// Session is the authoritative session record. SessionKey is a short access
// credential, not a cipher key; it is replaced in place on every rotation.
type Session struct {
	ID            uuid.UUID
	Name          string
	SessionKey    string
	CreatorID     uuid.UUID
	SecurityLevel SecurityLevel
	Authenticity  AuthenticityPolicy
	DurationMin   int
	ExpiresAt     time.Time
	IsActive      bool
	CreatedAt     time.Time
}

// Participant is one member of a session. Exactly one participant per
// session carries IsCreator.
type Participant struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	IsCreator bool
	JoinedAt  time.Time
}

// Message is a single session message. CreatedAt is immutable and, together
// with ID as a tiebreak, defines the total display order. AutoDeleteAt is
// set at most once, the first time the message becomes fully read in
// self-destruct mode, and never moves earlier afterwards.
type Message struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	SenderID     uuid.UUID
	Content      string
	ChatMode     ChatMode
	IsDeleted    bool
	ReadBy       []uuid.UUID
	DeliveredTo  []uuid.UUID
	AutoDeleteAt *time.Time
	CreatedAt    time.Time
}

// ReadByUser reports whether the user is already recorded in ReadBy.
func (m *Message) ReadByUser(id uuid.UUID) bool {
	for _, r := range m.ReadBy {
		if r == id {
			return true
		}
	}
	return false
}

// KeyRotationEvent is an append-only audit row. Rows are never mutated.
type KeyRotationEvent struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	OldKey    string
	NewKey    string
	RotatedAt time.Time
}

// IntrusionAttempt records a failed, unauthorized access attempt.
// AttemptedBy is nil for unauthenticated attempts. DeviceInfo is an opaque
// JSON blob supplied by the reporting client.
type IntrusionAttempt struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	AttemptedBy *uuid.UUID
	Reason      string
	DeviceInfo  []byte
	AttemptedAt time.Time
}

// TypingSignal is the ephemeral per-user typing state. Rows are overwritten,
// swept after TypingTTL, and never historized.
type TypingSignal struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	IsTyping  bool
	UpdatedAt time.Time
}

// SessionFile references an uploaded file. Upload mechanics live elsewhere;
// lifecycle cleanup needs the path to purge object storage.
type SessionFile struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	FilePath  string
}

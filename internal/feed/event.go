// Package feed defines the per-session change feed: typed change events,
// their wire row shapes, and the broadcast hub.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/seclith/qsession/internal/model"
)

// EventType is the kind of change carried by an event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Table names the logical table a change belongs to.
type Table string

const (
	TableSessions     Table = "sessions"
	TableParticipants Table = "session_participants"
	TableMessages     Table = "session_messages"
	TableIntrusions   Table = "intrusion_attempts"
	TableTyping       Table = "typing_indicators"
)

// Event is one change delivered to feed subscribers.
type Event struct {
	Type  EventType       `json:"type"`
	Table Table           `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// NewEvent marshals the row into an Event.
func NewEvent(t EventType, table Table, row any) (Event, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	return Event{Type: t, Table: table, Row: raw}, nil
}

// MessageRow is the wire shape of a session_messages row.
type MessageRow struct {
	ID           uuid.UUID  `json:"id"`
	SessionID    uuid.UUID  `json:"session_id"`
	SenderID     uuid.UUID  `json:"sender_id"`
	Content      string     `json:"content"`
	ChatMode     string     `json:"chat_mode"`
	IsDeleted    bool       `json:"is_deleted"`
	ReadBy       []string   `json:"read_by,omitempty"`
	DeliveredTo  []string   `json:"delivered_to,omitempty"`
	AutoDeleteAt *time.Time `json:"auto_delete_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// MessageRowFrom converts a domain message to its wire shape.
func MessageRowFrom(m *model.Message) MessageRow {
	return MessageRow{
		ID:           m.ID,
		SessionID:    m.SessionID,
		SenderID:     m.SenderID,
		Content:      m.Content,
		ChatMode:     string(m.ChatMode),
		IsDeleted:    m.IsDeleted,
		ReadBy:       uuidStrings(m.ReadBy),
		DeliveredTo:  uuidStrings(m.DeliveredTo),
		AutoDeleteAt: m.AutoDeleteAt,
		CreatedAt:    m.CreatedAt,
	}
}

// ToModel converts the wire shape back to a domain message.
func (r MessageRow) ToModel() (*model.Message, error) {
	readBy, err := parseUUIDs(r.ReadBy)
	if err != nil {
		return nil, err
	}
	delivered, err := parseUUIDs(r.DeliveredTo)
	if err != nil {
		return nil, err
	}
	return &model.Message{
		ID:           r.ID,
		SessionID:    r.SessionID,
		SenderID:     r.SenderID,
		Content:      r.Content,
		ChatMode:     model.ChatMode(r.ChatMode),
		IsDeleted:    r.IsDeleted,
		ReadBy:       readBy,
		DeliveredTo:  delivered,
		AutoDeleteAt: r.AutoDeleteAt,
		CreatedAt:    r.CreatedAt,
	}, nil
}

// SessionRow is the wire shape of a sessions row. The session key rides the
// feed so current participants see rotations in realtime; the feed endpoint
// is only reachable by admitted participants.
type SessionRow struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	SessionKey    string    `json:"session_key"`
	SecurityLevel string    `json:"security_level"`
	ExpiresAt     time.Time `json:"expires_at"`
	IsActive      bool      `json:"is_active"`
}

// SessionRowFrom converts a domain session to its wire shape.
func SessionRowFrom(s *model.Session) SessionRow {
	return SessionRow{
		ID:            s.ID,
		Name:          s.Name,
		SessionKey:    s.SessionKey,
		SecurityLevel: string(s.SecurityLevel),
		ExpiresAt:     s.ExpiresAt,
		IsActive:      s.IsActive,
	}
}

// ParticipantRow is the wire shape of a session_participants row.
type ParticipantRow struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	IsCreator bool      `json:"is_creator"`
	JoinedAt  time.Time `json:"joined_at"`
}

// IntrusionRow is the wire shape of an intrusion_attempts row. Device info
// stays server-side; participants only see that an attempt happened.
type IntrusionRow struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	Reason      string    `json:"reason"`
	AttemptedAt time.Time `json:"attempt_timestamp"`
}

// TypingRow is the wire shape of a typing_indicators row.
type TypingRow struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	IsTyping  bool      `json:"is_typing"`
	UpdatedAt time.Time `json:"updated_at"`
}

func uuidStrings(ids []uuid.UUID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(ss []string) ([]uuid.UUID, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(ss))
	for _, s := range ss {
		id, err := uuid.FromString(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

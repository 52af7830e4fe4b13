// Package session persists USSD conversation state keyed by the aggregator's
// session identifier.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for unknown session identifiers.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidStage rejects writes of a stage outside the defined set.
	ErrInvalidStage = errors.New("invalid session stage")
)

// Stage is the discrete position of a session in the menu flow.
type Stage string

const (
	StageWelcome            Stage = "welcome"
	StageEnterPhone         Stage = "enter_phone"
	StageMainMenu           Stage = "main_menu"
	StageEnterReceiveAmount Stage = "enter_receive_amount"
	StageEnterInvoice       Stage = "enter_invoice"
)

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	switch s {
	case StageWelcome, StageEnterPhone, StageMainMenu, StageEnterReceiveAmount, StageEnterInvoice:
		return true
	default:
		return false
	}
}

// Session is the persisted state of one conversation.
type Session struct {
	ID        string    `json:"session_id"`
	Stage     Stage     `json:"stage"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Changes lists the fields to write on Update. An empty Phone leaves the
// stored phone untouched.
type Changes struct {
	Stage Stage
	Phone string
}

// Store persists sessions.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	// Create inserts a session at stage if none exists for id and returns
	// the stored record either way.
	Create(ctx context.Context, id string, stage Stage) (Session, error)
	Update(ctx context.Context, id string, changes Changes) error
}

func (s Session) apply(changes Changes, now time.Time) Session {
	s.Stage = changes.Stage
	if changes.Phone != "" {
		s.Phone = changes.Phone
	}
	s.UpdatedAt = now
	return s
}

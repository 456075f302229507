// Package storage defines the persistence boundary for character rosters.
//
// A roster belongs to one chat session. Stores save and load whole rosters
// so the resolver stays the only owner of the in-memory roster; there is no
// per-character write path.
package storage

import (
	"context"
	"errors"

	"github.com/scrypster/castlist/pkg/types"
)

var (
	// ErrNotFound indicates that the requested roster or character was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// RosterStore persists character rosters keyed by session.
type RosterStore interface {
	// SaveRoster replaces the session's roster with chars, keeping their order.
	SaveRoster(ctx context.Context, session string, chars []*types.Character) error

	// LoadRoster returns the session's roster in saved order. An unknown
	// session yields an empty roster, not an error.
	LoadRoster(ctx context.Context, session string) ([]*types.Character, error)

	// GetCharacter returns one character by preferred name.
	// Returns ErrNotFound if the character doesn't exist.
	GetCharacter(ctx context.Context, session, name string) (*types.Character, error)

	// ListSessions returns the sessions that have a saved roster.
	ListSessions(ctx context.Context) ([]string, error)

	// DeleteRoster removes a session's roster.
	// Returns ErrNotFound if the session has no saved roster.
	DeleteRoster(ctx context.Context, session string) error

	Close() error
}

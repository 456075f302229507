// Package types defines the records shared across castlist: the canonical
// Character kept in a roster, the raw Extraction produced by the LLM, and the
// UndoRecord snapshots that make a merge reversible.
package types

import (
	"strings"
	"time"
)

// DefaultConfidence is used when an extraction carries no confidence score.
const DefaultConfidence = 50

// Character is the canonical, deduplicated record of one tracked person.
// Name is the unique key in the roster and never appears in Aliases.
type Character struct {
	Name    string   `json:"name"`              // Preferred name (unique key)
	Aliases []string `json:"aliases,omitempty"` // Alternate names, no duplicates

	// Descriptive fields, each independently overwritable
	Description string `json:"description,omitempty"`
	Physical    string `json:"physical,omitempty"`
	Personality string `json:"personality,omitempty"`
	Background  string `json:"background,omitempty"`

	Relationships []string  `json:"relationships,omitempty"` // Insertion order preserved
	Confidence    int       `json:"confidence"`              // 0-100
	Ignored       bool      `json:"ignored"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Clone returns a deep copy of c.
func (c *Character) Clone() *Character {
	if c == nil {
		return nil
	}
	out := *c
	out.Aliases = append([]string(nil), c.Aliases...)
	out.Relationships = append([]string(nil), c.Relationships...)
	return &out
}

// HasName reports whether name equals the preferred name or one of the aliases.
func (c *Character) HasName(name string) bool {
	if c.Name == name {
		return true
	}
	for _, a := range c.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// AddAlias adds alias unless it is empty, the preferred name, or already present.
// It reports whether the alias was added.
func (c *Character) AddAlias(alias string) bool {
	alias = strings.TrimSpace(alias)
	if alias == "" || c.HasName(alias) {
		return false
	}
	c.Aliases = append(c.Aliases, alias)
	return true
}

// AddRelationship appends rel unless an identical string is already present.
func (c *Character) AddRelationship(rel string) bool {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return false
	}
	for _, r := range c.Relationships {
		if r == rel {
			return false
		}
	}
	c.Relationships = append(c.Relationships, rel)
	return true
}

// Extraction is one LLM-produced, not yet reconciled character record.
type Extraction struct {
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases,omitempty"`
	Confidence    int      `json:"confidence"`
	Description   string   `json:"description,omitempty"`
	Physical      string   `json:"physical,omitempty"`
	Personality   string   `json:"personality,omitempty"`
	Background    string   `json:"background,omitempty"`
	Relationships []string `json:"relationships,omitempty"`
}

// Clone returns a deep copy of e.
func (e Extraction) Clone() Extraction {
	e.Aliases = append([]string(nil), e.Aliases...)
	e.Relationships = append([]string(nil), e.Relationships...)
	return e
}

// UndoOperation names the kind of change an UndoRecord reverses.
type UndoOperation string

const (
	UndoMerge UndoOperation = "merge"
)

// UndoRecord holds the snapshots needed to reverse one merge exactly.
type UndoRecord struct {
	Operation  UndoOperation `json:"operation"`
	Timestamp  time.Time     `json:"timestamp"`
	SourceName string        `json:"source_name"`
	TargetName string        `json:"target_name"`

	Source *Character `json:"source"` // Source before the merge
	Target *Character `json:"target"` // Target before the merge

	// SourceIndex is the source's position in roster order, so undo can
	// reinsert it where it was.
	SourceIndex int `json:"source_index"`
}

// Package resolver reconciles raw extractions into the character roster.
//
// Each extraction either updates the character it names exactly, is folded
// into the most similar character when the similarity score clears the
// threshold, or creates a new character. Manual merges are reversible through
// a short undo history.
package resolver

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/castlist/internal/boundary"
	"github.com/scrypster/castlist/pkg/types"
)

const (
	// DefaultThreshold is the minimum similarity score for an auto-merge.
	DefaultThreshold = ScoreSharedToken

	// MaxUndo is the number of merges that can be undone.
	MaxUndo = 3
)

// Outcome describes what Reconcile did with one extraction.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCreated
	OutcomeUpdated
	OutcomeMerged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeMerged:
		return "merged"
	default:
		return "skipped"
	}
}

// Result counts the outcomes of one Reconcile call.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
}

func (r *Result) add(o Outcome) {
	switch o {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeMerged:
		r.Merged++
	default:
		r.Skipped++
	}
}

// Stats summarises the roster.
type Stats struct {
	Characters int `json:"characters"`
	Ignored    int `json:"ignored"`
	UndoDepth  int `json:"undo_depth"`
	Threshold  int `json:"threshold"`
}

// Config holds Resolver configuration.
type Config struct {
	// Threshold is the minimum similarity score for an auto-merge (default: 70).
	Threshold int

	Logger *zap.Logger

	// Now stamps LastUpdated (default: time.Now).
	Now func() time.Time
}

// Resolver owns the character roster and its undo history. It is safe for
// concurrent use.
type Resolver struct {
	mu        sync.Mutex
	order     []string
	byName    map[string]*types.Character
	undo      []types.UndoRecord
	threshold int
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an empty Resolver.
func New(cfg Config) *Resolver {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		byName:    make(map[string]*types.Character),
		threshold: cfg.Threshold,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Reconcile folds extractions into the roster in order.
func (r *Resolver) Reconcile(extractions []types.Extraction) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	for _, e := range extractions {
		res.add(r.reconcileOne(e))
	}
	return res
}

func (r *Resolver) reconcileOne(e types.Extraction) Outcome {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return OutcomeSkipped
	}

	if r.matchesIgnored(name) {
		r.logger.Debug("skipping ignored character", zap.String("name", name))
		return OutcomeSkipped
	}

	if c := r.exactMatch(name); c != nil {
		r.update(c, e)
		return OutcomeUpdated
	}

	if c, score := r.bestMatch(name); c != nil && score > ScoreNone && score >= r.threshold {
		if c.Ignored {
			r.logger.Debug("skipping near match of ignored character",
				zap.String("name", name), zap.String("match", c.Name), zap.Int("score", score))
			return OutcomeSkipped
		}
		r.update(c, e)
		c.AddAlias(name)
		r.logger.Debug("auto-merged extraction",
			zap.String("name", name), zap.String("into", c.Name), zap.Int("score", score))
		return OutcomeMerged
	}

	r.create(name, e)
	return OutcomeCreated
}

func (r *Resolver) matchesIgnored(name string) bool {
	for _, key := range r.order {
		if c := r.byName[key]; c.Ignored && c.HasName(name) {
			return true
		}
	}
	return false
}

// exactMatch finds the character whose name, or failing that an alias, is name.
func (r *Resolver) exactMatch(name string) *types.Character {
	if c, ok := r.byName[name]; ok {
		return c
	}
	for _, key := range r.order {
		if c := r.byName[key]; c.HasName(name) {
			return c
		}
	}
	return nil
}

// bestMatch returns the highest scoring character, earliest in roster order on ties.
func (r *Resolver) bestMatch(name string) (*types.Character, int) {
	var best *types.Character
	bestScore := ScoreNone
	for _, key := range r.order {
		c := r.byName[key]
		if score := characterScore(name, c); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, bestScore
}

func (r *Resolver) update(c *types.Character, e types.Extraction) {
	overwrite(&c.Description, e.Description)
	overwrite(&c.Physical, e.Physical)
	overwrite(&c.Personality, e.Personality)
	overwrite(&c.Background, e.Background)
	for _, alias := range e.Aliases {
		c.AddAlias(alias)
	}
	for _, rel := range e.Relationships {
		c.AddRelationship(rel)
	}
	c.Confidence = clampConfidence(int(math.Round(float64(c.Confidence+clampConfidence(e.Confidence)) / 2)))
	c.LastUpdated = r.now()
}

func (r *Resolver) create(name string, e types.Extraction) {
	c := &types.Character{
		Name:        name,
		Description: strings.TrimSpace(e.Description),
		Physical:    strings.TrimSpace(e.Physical),
		Personality: strings.TrimSpace(e.Personality),
		Background:  strings.TrimSpace(e.Background),
		Confidence:  clampConfidence(e.Confidence),
		LastUpdated: r.now(),
	}
	for _, alias := range e.Aliases {
		c.AddAlias(alias)
	}
	for _, rel := range e.Relationships {
		c.AddRelationship(rel)
	}
	r.byName[name] = c
	r.order = append(r.order, name)
	r.logger.Debug("created character", zap.String("name", name))
}

// Merge folds source into target and records an undo entry. Target values
// win where both have a field; aliases and relationships are unioned and the
// source's name becomes an alias of the target.
func (r *Resolver) Merge(sourceName, targetName string) error {
	sourceName = strings.TrimSpace(sourceName)
	targetName = strings.TrimSpace(targetName)

	r.mu.Lock()
	defer r.mu.Unlock()

	source, ok := r.byName[sourceName]
	if !ok {
		return &boundary.NotFoundError{Name: sourceName}
	}
	target, ok := r.byName[targetName]
	if !ok {
		return &boundary.NotFoundError{Name: targetName}
	}
	if source == target {
		return &boundary.InvalidStateError{Msg: fmt.Sprintf("cannot merge %q into itself", sourceName)}
	}

	r.pushUndo(types.UndoRecord{
		Operation:   types.UndoMerge,
		Timestamp:   r.now(),
		SourceName:  source.Name,
		TargetName:  target.Name,
		Source:      source.Clone(),
		Target:      target.Clone(),
		SourceIndex: r.indexOf(source.Name),
	})

	target.AddAlias(source.Name)
	for _, alias := range source.Aliases {
		target.AddAlias(alias)
	}
	fill(&target.Description, source.Description)
	fill(&target.Physical, source.Physical)
	fill(&target.Personality, source.Personality)
	fill(&target.Background, source.Background)
	for _, rel := range source.Relationships {
		target.AddRelationship(rel)
	}
	target.LastUpdated = r.now()

	r.delete(source.Name)
	r.logger.Info("merged characters", zap.String("source", sourceName), zap.String("target", targetName))
	return nil
}

// UndoLastMerge reverses the most recent merge, restoring both characters to
// their state before it. It reports false when there is nothing to undo.
func (r *Resolver) UndoLastMerge() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.undo) == 0 {
		return false, nil
	}
	rec := r.undo[len(r.undo)-1]
	r.undo = r.undo[:len(r.undo)-1]

	if rec.Operation != types.UndoMerge {
		return false, &boundary.InvalidStateError{Msg: fmt.Sprintf("undo record has unexpected operation %q", rec.Operation)}
	}
	if rec.Source == nil || rec.Target == nil {
		return false, &boundary.InvalidStateError{Msg: "undo record is missing a snapshot"}
	}

	r.restore(rec.Target.Clone(), -1)
	r.restore(rec.Source.Clone(), rec.SourceIndex)

	r.logger.Info("undid merge", zap.String("source", rec.SourceName), zap.String("target", rec.TargetName))
	return true, nil
}

// restore puts c back in the roster. An existing character with the same
// name is replaced in place; otherwise c is inserted at index, or appended
// when index is out of range.
func (r *Resolver) restore(c *types.Character, index int) {
	if _, exists := r.byName[c.Name]; exists {
		r.byName[c.Name] = c
		return
	}
	r.byName[c.Name] = c
	if index < 0 || index > len(r.order) {
		r.order = append(r.order, c.Name)
		return
	}
	r.order = append(r.order, "")
	copy(r.order[index+1:], r.order[index:])
	r.order[index] = c.Name
}

func (r *Resolver) pushUndo(rec types.UndoRecord) {
	r.undo = append(r.undo, rec)
	if over := len(r.undo) - MaxUndo; over > 0 {
		r.undo = append(r.undo[:0], r.undo[over:]...)
	}
}

// UndoDepth returns the number of merges that can currently be undone.
func (r *Resolver) UndoDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.undo)
}

// Get returns a copy of the character with the given name or alias.
func (r *Resolver) Get(name string) (*types.Character, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.exactMatch(strings.TrimSpace(name))
	if c == nil {
		return nil, false
	}
	return c.Clone(), true
}

// List returns copies of all characters in the order they were created.
func (r *Resolver) List() []*types.Character {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Character, len(r.order))
	for i, key := range r.order {
		out[i] = r.byName[key].Clone()
	}
	return out
}

// SetIgnored flags or unflags a character. Ignored characters stay in the
// roster but extractions naming them are dropped.
func (r *Resolver) SetIgnored(name string, ignored bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return &boundary.NotFoundError{Name: name}
	}
	c.Ignored = ignored
	c.LastUpdated = r.now()
	return nil
}

// Remove deletes a character. It cannot be undone.
func (r *Resolver) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name = strings.TrimSpace(name)
	if _, ok := r.byName[name]; !ok {
		return &boundary.NotFoundError{Name: name}
	}
	r.delete(name)
	return nil
}

// KnownContext renders the non-ignored roster as the known-character block
// of an extraction prompt, one "- Name (aka: a, b)" line per character.
func (r *Resolver) KnownContext() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, key := range r.order {
		c := r.byName[key]
		if c.Ignored {
			continue
		}
		b.WriteString("- ")
		b.WriteString(c.Name)
		if len(c.Aliases) > 0 {
			b.WriteString(" (aka: ")
			b.WriteString(strings.Join(c.Aliases, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Load replaces the roster with chars and clears the undo history. Characters
// with an empty or repeated name are skipped.
func (r *Resolver) Load(chars []*types.Character) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = r.order[:0]
	r.byName = make(map[string]*types.Character, len(chars))
	r.undo = nil
	for _, c := range chars {
		if c == nil {
			continue
		}
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		if _, dup := r.byName[name]; dup {
			r.logger.Warn("skipping duplicate character on load", zap.String("name", name))
			continue
		}
		clone := c.Clone()
		clone.Name = name
		r.byName[name] = clone
		r.order = append(r.order, name)
	}
}

// Snapshot returns the roster, in order, for persistence.
func (r *Resolver) Snapshot() []*types.Character {
	return r.List()
}

// Stats returns roster counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Characters: len(r.order), UndoDepth: len(r.undo), Threshold: r.threshold}
	for _, c := range r.byName {
		if c.Ignored {
			s.Ignored++
		}
	}
	return s
}

// Reset empties the roster and the undo history.
func (r *Resolver) Reset() {
	r.Load(nil)
}

func (r *Resolver) indexOf(name string) int {
	for i, key := range r.order {
		if key == name {
			return i
		}
	}
	return -1
}

func (r *Resolver) delete(name string) {
	delete(r.byName, name)
	if i := r.indexOf(name); i >= 0 {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
}

// overwrite replaces *dst with a non-blank v.
func overwrite(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// fill sets *dst to v only if *dst is blank.
func fill(dst *string, v string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = v
	}
}

func clampConfidence(n int) int {
	return max(0, min(100, n))
}

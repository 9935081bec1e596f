// Package progression derives a learner's current grade and per-track
// lock state from their assessment history on the rostering platform.
//
// The engine is pure: it takes a fetched history plus static tables and
// per-learner overrides, and returns a freshly computed State. Nothing in
// this package performs I/O or caches results between calls.
package progression

import "time"

// Assessment is one remote assessment result relevant to progression.
// Only records that carry both a speed metric and a grade label in their
// metadata reach this package; the fetcher filters out the rest.
type Assessment struct {
	// Track identifies the skill track the assessment belongs to
	// (the line item title, e.g. "addition-0-9").
	Track string

	// CQPM is the correct-answers-per-minute rate score.
	CQPM float64

	// GradeLabel is the raw grade string from the record metadata,
	// e.g. "3", "G3", "K". Parsed lazily by the engine; an unparsable
	// label never fails a derivation.
	GradeLabel string

	// ScoredAt is the score date of the record.
	ScoredAt time.Time
}

// Tables holds the static progression configuration.
type Tables struct {
	// Targets maps a grade to the CQPM a track must reach to count
	// as passed.
	Targets map[Grade]float64

	// Order maps a grade to its track progression order. A learner
	// works the first unpassed track in this list; passed tracks lock
	// behind them until the whole list is passed.
	Order map[Grade][]string
}

// Overrides are per-learner administrative exceptions. They always win
// over computed lock state.
type Overrides struct {
	// ForceUnlock tracks are removed from the locked set.
	ForceUnlock []string

	// ForceLock tracks are added to the locked set.
	ForceLock []string
}

// State is the derived progression state for one learner. It is ephemeral
// and recomputed on every verification request.
type State struct {
	// Grade is the current knowledge grade, taken from the newest
	// assessment record. Nil when no valid history exists or the newest
	// grade label is unparsable; a nil grade unlocks everything.
	Grade *Grade

	// Locked is the set of locked track ids.
	Locked map[string]bool

	// LatestTrack is the track the learner should currently work on:
	// the first unpassed track in the grade's order, or the final track
	// once the whole order is passed. Empty when Grade is nil.
	LatestTrack string

	// ResetAt is the instant of the most recent detected grade reset,
	// nil when the history contains none.
	ResetAt *time.Time
}

// DefaultTables returns the production progression tables: CQPM targets
// and track orders per grade from kindergarten through grade 5.
func DefaultTables() Tables {
	return Tables{
		Targets: map[Grade]float64{
			GradeKindergarten: 15,
			1:                 20,
			2:                 30,
			3:                 40,
			4:                 40,
			5:                 40,
		},
		Order: map[Grade][]string{
			GradeKindergarten: {"counting-0-10", "addition-0-5"},
			1:                 {"addition-0-9", "subtraction-0-9"},
			2:                 {"addition-0-20", "subtraction-0-20"},
			3:                 {"multiplication-0-5", "multiplication-0-9", "division-0-9"},
			4:                 {"multiplication-0-12", "division-0-12"},
			5:                 {"multiplication-0-12", "division-0-12", "fractions-basic"},
		},
	}
}

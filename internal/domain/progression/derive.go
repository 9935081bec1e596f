package progression

import (
	"sort"
	"time"
)

// Derive computes the progression state for one learner from their
// assessment history.
//
// The pipeline:
//  1. The newest record's grade label is the current knowledge grade.
//  2. A chronological walk detects grade resets: any strict decrease from
//     the immediately preceding parsable grade marks a reset at that
//     record's score date. Comparing only to the adjacent predecessor,
//     never a running maximum, keeps normal re-progression after a real
//     reset from being flagged as a second reset.
//  3. Only records at or after the latest reset feed the per-track CQPM
//     maxima (retakes keep the best score).
//  4. A track is passed when its maximum meets the grade's CQPM target.
//     Passed tracks lock; once every track in the grade's order is passed
//     nothing is locked and the learner replays freely.
//  5. Overrides apply last and always win.
//
// With no usable history the state is {Grade: nil, Locked: {}}; nothing
// is guessed.
func Derive(history []Assessment, tables Tables, ov Overrides) State {
	state := State{Locked: map[string]bool{}}

	if len(history) == 0 {
		applyOverrides(&state, ov)
		return state
	}

	records := make([]Assessment, len(history))
	copy(records, history)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ScoredAt.Before(records[j].ScoredAt)
	})

	newest := records[len(records)-1]
	grade, ok := ParseGrade(newest.GradeLabel)
	if !ok {
		// Cannot determine progression: unlock everything and let
		// overrides have the last word.
		applyOverrides(&state, ov)
		return state
	}
	state.Grade = &grade

	state.ResetAt = detectReset(records)

	relevant := records
	if state.ResetAt != nil {
		relevant = atOrAfter(records, *state.ResetAt)
	}

	best := map[string]float64{}
	for _, r := range relevant {
		if r.CQPM > best[r.Track] {
			best[r.Track] = r.CQPM
		}
	}

	order := tables.Order[grade]
	target := tables.Targets[grade]

	passedAll := true
	for _, track := range order {
		if best[track] >= target {
			state.Locked[track] = true
		} else {
			passedAll = false
			if state.LatestTrack == "" {
				state.LatestTrack = track
			}
		}
	}

	if passedAll && len(order) > 0 {
		// Graduated: free replay of the whole grade.
		state.Locked = map[string]bool{}
		state.LatestTrack = order[len(order)-1]
	}

	applyOverrides(&state, ov)
	return state
}

// detectReset returns the score date of the latest grade regression in the
// chronologically sorted records, or nil when there is none. Records with
// unparsable grade labels are skipped; they can neither cause nor anchor a
// reset.
func detectReset(sorted []Assessment) *time.Time {
	var resetAt *time.Time
	havePrev := false
	var prev Grade

	for _, r := range sorted {
		g, ok := ParseGrade(r.GradeLabel)
		if !ok {
			continue
		}
		if havePrev && g < prev {
			t := r.ScoredAt
			resetAt = &t
		}
		prev, havePrev = g, true
	}
	return resetAt
}

func atOrAfter(sorted []Assessment, cutoff time.Time) []Assessment {
	out := make([]Assessment, 0, len(sorted))
	for _, r := range sorted {
		if !r.ScoredAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func applyOverrides(state *State, ov Overrides) {
	for _, track := range ov.ForceUnlock {
		delete(state.Locked, track)
	}
	for _, track := range ov.ForceLock {
		state.Locked[track] = true
	}
}

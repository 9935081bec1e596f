// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/fluencyhub/fluency-sync/internal/application/enrollsync"
	"github.com/fluencyhub/fluency-sync/internal/domain/progression"
	"github.com/fluencyhub/fluency-sync/internal/domain/shared"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/external/roster"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESSION QUERY
// Answers a verification request: fetch the learner's full assessment
// history, derive grade and lock state, and kick off a background
// enrollment reconciliation when a grade was derived.
// ══════════════════════════════════════════════════════════════════════════════

// HistoryFetcher retrieves the learner's raw assessment history.
type HistoryFetcher interface {
	ListAssessmentResults(ctx context.Context, learnerID string) ([]roster.AssessmentResultDTO, error)
}

// OverrideSource supplies per-learner manual overrides.
type OverrideSource interface {
	Get(ctx context.Context, learnerID string) (progression.Overrides, error)
}

// TransitionScheduler accepts background enrollment-transition requests.
type TransitionScheduler interface {
	Enqueue(req enrollsync.Request)
}

// GetProgressionQuery contains the request parameters.
type GetProgressionQuery struct {
	// LearnerID identifies the learner in the rostering system.
	LearnerID string
}

// Validate checks the parameters.
func (q *GetProgressionQuery) Validate() error {
	if q.LearnerID == "" {
		return shared.NewDomainError("query", "GetProgression", shared.ErrEmptyValue, "learner_id is required")
	}
	return nil
}

// GetProgressionResult contains the derived progression state.
type GetProgressionResult struct {
	// LearnerID echoes the request.
	LearnerID string `json:"learner_id"`

	// Grade is the derived grade label, empty when the latest record's
	// grade was unparsable.
	Grade string `json:"grade,omitempty"`

	// LockedTracks lists tracks the learner may not replay.
	LockedTracks []string `json:"locked_tracks"`

	// LatestTrack is the track the learner should play next.
	LatestTrack string `json:"latest_track,omitempty"`

	// ResetAt marks the grade-regression boundary, when one was found.
	ResetAt *time.Time `json:"reset_at,omitempty"`

	// RecordCount is how many usable assessment records fed the
	// derivation.
	RecordCount int `json:"record_count"`

	// GeneratedAt is when this state was derived.
	GeneratedAt time.Time `json:"generated_at"`
}

// GetProgressionHandler handles progression queries.
type GetProgressionHandler struct {
	history     HistoryFetcher
	overrides   OverrideSource
	transitions TransitionScheduler
	tables      progression.Tables
	logger      *slog.Logger

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewGetProgressionHandler creates a new handler. The override source and
// transition scheduler are optional; a nil override source means no
// manual overrides apply, a nil scheduler disables enrollment sync.
func NewGetProgressionHandler(
	history HistoryFetcher,
	overrides OverrideSource,
	transitions TransitionScheduler,
	tables progression.Tables,
	logger *slog.Logger,
) *GetProgressionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetProgressionHandler{
		history:     history,
		overrides:   overrides,
		transitions: transitions,
		tables:      tables,
		logger:      logger,
		now:         time.Now,
	}
}

// Handle executes the query. History is fetched fresh on every call and
// the state is recomputed from scratch; nothing here is cached.
func (h *GetProgressionHandler) Handle(ctx context.Context, query GetProgressionQuery) (*GetProgressionResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	log := h.logger.With("learner_id", query.LearnerID)

	dtos, err := h.history.ListAssessmentResults(ctx, query.LearnerID)
	if err != nil {
		return nil, shared.WrapError("query", "GetProgression", shared.ErrExternalService,
			"fetching assessment history failed", err)
	}

	records := roster.ToAssessments(dtos)

	overrides := h.loadOverrides(ctx, query.LearnerID, log)

	state := progression.Derive(records, h.tables, overrides)

	if state.Grade != nil && h.transitions != nil {
		h.transitions.Enqueue(enrollsync.Request{
			LearnerID: query.LearnerID,
			Target:    *state.Grade,
		})
	}

	result := &GetProgressionResult{
		LearnerID:    query.LearnerID,
		LockedTracks: lockedList(state.Locked),
		LatestTrack:  state.LatestTrack,
		ResetAt:      state.ResetAt,
		RecordCount:  len(records),
		GeneratedAt:  h.now().UTC(),
	}
	if state.Grade != nil {
		result.Grade = state.Grade.String()
	}

	log.Info("progression derived",
		"grade", result.Grade,
		"locked_tracks", len(result.LockedTracks),
		"latest_track", result.LatestTrack,
		"records", result.RecordCount,
	)
	return result, nil
}

// loadOverrides fetches the learner's manual overrides, degrading to none
// when the store is unavailable. A stale or missing override must never
// fail the whole verification.
func (h *GetProgressionHandler) loadOverrides(ctx context.Context, learnerID string, log *slog.Logger) progression.Overrides {
	if h.overrides == nil {
		return progression.Overrides{}
	}
	overrides, err := h.overrides.Get(ctx, learnerID)
	if err != nil {
		log.Warn("override lookup failed, proceeding without overrides", "error", err)
		return progression.Overrides{}
	}
	return overrides
}

func lockedList(locked map[string]bool) []string {
	out := make([]string, 0, len(locked))
	for track, isLocked := range locked {
		if isLocked {
			out = append(out, track)
		}
	}
	sort.Strings(out)
	return out
}

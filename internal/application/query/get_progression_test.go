package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluencyhub/fluency-sync/internal/application/enrollsync"
	"github.com/fluencyhub/fluency-sync/internal/domain/progression"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/external/roster"
)

type fakeHistory struct {
	dtos []roster.AssessmentResultDTO
	err  error
}

func (f *fakeHistory) ListAssessmentResults(context.Context, string) ([]roster.AssessmentResultDTO, error) {
	return f.dtos, f.err
}

type fakeOverrides struct {
	overrides progression.Overrides
	err       error
}

func (f *fakeOverrides) Get(context.Context, string) (progression.Overrides, error) {
	return f.overrides, f.err
}

type fakeScheduler struct {
	requests []enrollsync.Request
}

func (f *fakeScheduler) Enqueue(req enrollsync.Request) {
	f.requests = append(f.requests, req)
}

func resultDTO(track, grade string, cqpm string, scoredAt time.Time) roster.AssessmentResultDTO {
	return roster.AssessmentResultDTO{
		SourcedID: "res-" + track,
		ScoreDate: scoredAt,
		LineItem:  roster.RefDTO{SourcedID: "li-" + track, Title: track},
		Metadata:  roster.ResultMetadataDTO{Grade: grade, CQPM: cqpm},
	}
}

func TestGetProgressionDerivesStateAndSchedulesSync(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	history := &fakeHistory{dtos: []roster.AssessmentResultDTO{
		resultDTO("multiplication-0-5", "3", "45", base),
		resultDTO("multiplication-0-9", "3", "12", base.Add(time.Hour)),
	}}
	scheduler := &fakeScheduler{}

	h := NewGetProgressionHandler(history, &fakeOverrides{}, scheduler, progression.DefaultTables(), nil)

	result, err := h.Handle(context.Background(), GetProgressionQuery{LearnerID: "learner-1"})
	require.NoError(t, err)

	assert.Equal(t, "3", result.Grade)
	assert.Equal(t, []string{"multiplication-0-5"}, result.LockedTracks)
	assert.Equal(t, "multiplication-0-9", result.LatestTrack)
	assert.Equal(t, 2, result.RecordCount)

	require.Len(t, scheduler.requests, 1)
	assert.Equal(t, "learner-1", scheduler.requests[0].LearnerID)
	assert.Equal(t, progression.Grade(3), scheduler.requests[0].Target)
}

func TestGetProgressionRequiresLearnerID(t *testing.T) {
	h := NewGetProgressionHandler(&fakeHistory{}, nil, nil, progression.DefaultTables(), nil)

	_, err := h.Handle(context.Background(), GetProgressionQuery{})
	assert.Error(t, err)
}

func TestGetProgressionPropagatesHistoryFailure(t *testing.T) {
	history := &fakeHistory{err: errors.New("roster unavailable")}
	scheduler := &fakeScheduler{}
	h := NewGetProgressionHandler(history, nil, scheduler, progression.DefaultTables(), nil)

	_, err := h.Handle(context.Background(), GetProgressionQuery{LearnerID: "learner-1"})
	assert.Error(t, err)
	assert.Empty(t, scheduler.requests)
}

func TestGetProgressionDegradesWhenOverridesUnavailable(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	history := &fakeHistory{dtos: []roster.AssessmentResultDTO{
		resultDTO("multiplication-0-5", "3", "45", base),
	}}
	overrides := &fakeOverrides{err: errors.New("store offline")}

	h := NewGetProgressionHandler(history, overrides, nil, progression.DefaultTables(), nil)

	result, err := h.Handle(context.Background(), GetProgressionQuery{LearnerID: "learner-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"multiplication-0-5"}, result.LockedTracks)
}

func TestGetProgressionAppliesOverrides(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	history := &fakeHistory{dtos: []roster.AssessmentResultDTO{
		resultDTO("multiplication-0-5", "3", "45", base),
	}}
	overrides := &fakeOverrides{overrides: progression.Overrides{
		ForceUnlock: []string{"multiplication-0-5"},
		ForceLock:   []string{"division-0-9"},
	}}

	h := NewGetProgressionHandler(history, overrides, nil, progression.DefaultTables(), nil)

	result, err := h.Handle(context.Background(), GetProgressionQuery{LearnerID: "learner-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"division-0-9"}, result.LockedTracks)
}

func TestGetProgressionSkipsSyncWithoutGrade(t *testing.T) {
	scheduler := &fakeScheduler{}
	h := NewGetProgressionHandler(&fakeHistory{}, nil, scheduler, progression.DefaultTables(), nil)

	result, err := h.Handle(context.Background(), GetProgressionQuery{LearnerID: "learner-1"})
	require.NoError(t, err)

	assert.Empty(t, result.Grade)
	assert.Empty(t, result.LockedTracks)
	assert.Empty(t, scheduler.requests)
}

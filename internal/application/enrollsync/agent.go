// Package enrollsync reconciles a learner's external enrollment record
// with a freshly derived grade. Reconciliation is best-effort and runs in
// the background: the verification path that triggers it never waits on
// it, and the worst outcome of a partial failure is an under-enrolled
// learner, never a duplicate enrollment.
package enrollsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluencyhub/fluency-sync/internal/domain/progression"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/external/roster"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/observability"
)

// Transition outcome labels for the enrollment_transitions metric.
const (
	resultCompleted = "completed"
	resultSkipped   = "skipped"
	resultAborted   = "aborted"
)

// RosterAPI is the slice of the rostering client the agent uses.
type RosterAPI interface {
	GetActiveEnrollment(ctx context.Context, userID string) (*roster.EnrollmentDTO, error)
	FindClassForGrade(ctx context.Context, grade progression.Grade) (*roster.ClassDTO, error)
	EndEnrollment(ctx context.Context, enrollmentID string, endDate time.Time) error
	DeleteEnrollment(ctx context.Context, enrollmentID string) error
	CreateEnrollment(ctx context.Context, userID, classID string, beginDate time.Time) (string, error)
}

// Request asks the agent to move one learner to the class serving the
// target grade.
type Request struct {
	LearnerID string
	Target    progression.Grade
}

// Config contains configuration for the Agent.
type Config struct {
	// QueueSize bounds the pending-transition backlog. A full queue
	// drops new requests rather than blocking the caller.
	QueueSize int

	// TransitionTimeout bounds one whole multi-step transition.
	TransitionTimeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *observability.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:         64,
		TransitionTimeout: 30 * time.Second,
	}
}

// Agent is the background enrollment reconciler.
type Agent struct {
	config Config
	api    RosterAPI
	logger *slog.Logger
	queue  chan Request

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewAgent creates an enrollment sync agent.
func NewAgent(config Config, api RosterAPI) *Agent {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.TransitionTimeout <= 0 {
		config.TransitionTimeout = 30 * time.Second
	}

	return &Agent{
		config: config,
		api:    api,
		logger: config.Logger,
		queue:  make(chan Request, config.QueueSize),
		now:    time.Now,
	}
}

// Enqueue schedules a transition. Never blocks; when the backlog is full
// the request is dropped with a warning, which is safe because the next
// verification for the learner re-derives the grade and re-enqueues.
func (a *Agent) Enqueue(req Request) {
	select {
	case a.queue <- req:
	default:
		a.logger.Warn("enrollment sync backlog full, dropping request",
			"learner_id", req.LearnerID,
			"target_grade", req.Target.String(),
		)
	}
}

// Run consumes the backlog until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.queue:
			tctx, cancel := context.WithTimeout(ctx, a.config.TransitionTimeout)
			a.reconcile(tctx, req)
			cancel()
		}
	}
}

// reconcile performs one transition. Steps in order: locate the current
// enrollment, locate the target class, close out the old enrollment
// (failure tolerated), soft-delete it (failure aborts), create the new
// one. A new enrollment is never created while the old one might still be
// live.
func (a *Agent) reconcile(ctx context.Context, req Request) {
	log := a.logger.With(
		"learner_id", req.LearnerID,
		"target_grade", req.Target.String(),
	)

	enrollment, err := a.api.GetActiveEnrollment(ctx, req.LearnerID)
	if err != nil {
		log.Warn("enrollment lookup failed, transition aborted", "error", err)
		a.record(resultAborted)
		return
	}
	if enrollment == nil {
		// Learners without an enrollment are left alone: the agent
		// moves enrollments, it never creates the first one.
		log.Debug("learner has no active enrollment, nothing to sync")
		a.record(resultSkipped)
		return
	}

	class, err := a.api.FindClassForGrade(ctx, req.Target)
	if err != nil {
		log.Warn("target class lookup failed, transition aborted", "error", err)
		a.record(resultAborted)
		return
	}
	if class == nil {
		log.Warn("no active class serves the target grade, transition aborted")
		a.record(resultAborted)
		return
	}

	if enrollment.Class.SourcedID == class.SourcedID {
		log.Debug("enrollment already matches target grade")
		a.record(resultSkipped)
		return
	}

	today := a.now()

	if err := a.api.EndEnrollment(ctx, enrollment.SourcedID, today); err != nil {
		// Close-out is cosmetic bookkeeping; the soft-delete below is
		// what actually retires the enrollment.
		log.Warn("setting enrollment end date failed, continuing",
			"enrollment_id", enrollment.SourcedID, "error", err)
	}

	if err := a.api.DeleteEnrollment(ctx, enrollment.SourcedID); err != nil {
		log.Warn("retiring old enrollment failed, transition aborted",
			"enrollment_id", enrollment.SourcedID, "error", err)
		a.record(resultAborted)
		return
	}

	newID, err := a.api.CreateEnrollment(ctx, req.LearnerID, class.SourcedID, today)
	if err != nil {
		// The old enrollment is already retired: the learner stays
		// under-enrolled until the next verification retries.
		log.Warn("creating replacement enrollment failed", "class_id", class.SourcedID, "error", err)
		a.record(resultAborted)
		return
	}

	log.Info("enrollment moved to target grade",
		"old_enrollment_id", enrollment.SourcedID,
		"new_enrollment_id", newID,
		"class_id", class.SourcedID,
	)
	a.record(resultCompleted)
}

func (a *Agent) record(result string) {
	if a.config.Metrics != nil {
		a.config.Metrics.EnrollmentTransitions.WithLabelValues(result).Inc()
	}
}

// Package queue defines the gameplay event-queue records the worker
// delivers. The queue store (Postgres) owns these rows durably; the worker
// only reads deliverable rows and reports outcomes back.
package queue

import "time"

// MaxAttempts caps delivery retries per event. Once attempts reaches this
// value the event is permanently skipped; sent stays false forever.
const MaxAttempts = 5

// Event is one persisted gameplay-completion event awaiting delivery.
type Event struct {
	// ID is the queue row identity.
	ID int64

	// Payload is the gameplay completion data destined for the
	// analytics API.
	Payload Payload

	// Sent is true once the analytics API accepted the event.
	Sent bool

	// Attempts counts completed delivery attempts. Monotonic, capped at
	// MaxAttempts by the store.
	Attempts int

	// NextRetryAt is the store-computed backoff deadline. Nil means the
	// event is immediately deliverable.
	NextRetryAt *time.Time
}

// Payload is the opaque gameplay data carried by a queue event.
type Payload struct {
	// LearnerID identifies the learner on the rostering platform.
	LearnerID string `json:"learner_id"`

	// ResourceID identifies the completed activity (the skill track
	// session).
	ResourceID string `json:"resource_id"`

	// CompletedAt is when the learner finished the activity.
	CompletedAt time.Time `json:"completed_at"`

	// DurationSeconds is the time spent on the activity.
	DurationSeconds int `json:"duration_seconds"`

	// CorrectCount and TotalCount are the score totals.
	CorrectCount int `json:"correct_count"`
	TotalCount   int `json:"total_count"`

	// MasteredUnits is the optional count of newly mastered units.
	MasteredUnits *int `json:"mastered_units,omitempty"`

	// Attempt is the optional attempt number for the activity.
	Attempt *int `json:"attempt,omitempty"`
}

// Deliverable reports whether the event may be attempted now: unsent,
// retries not exhausted, and any backoff deadline elapsed.
func (e Event) Deliverable(now time.Time) bool {
	if e.Sent || e.Attempts >= MaxAttempts {
		return false
	}
	if e.NextRetryAt != nil && now.Before(*e.NextRetryAt) {
		return false
	}
	return true
}

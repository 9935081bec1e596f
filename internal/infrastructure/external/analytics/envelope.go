package analytics

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluencyhub/fluency-sync/internal/domain/queue"
)

// DataVersion is the analytics event vocabulary the envelope declares.
const DataVersion = "http://purl.imsglobal.org/ctx/caliper/v1p1"

// Envelope is the outbound wire payload: sensor identity, send time, and
// the sub-events of one gameplay completion. Both sub-events travel in a
// single POST to halve external traffic.
type Envelope struct {
	Sensor      string    `json:"sensor"`
	SendTime    time.Time `json:"sendTime"`
	DataVersion string    `json:"dataVersion"`
	Data        []Event   `json:"data"`
}

// Event is one analytics sub-event.
type Event struct {
	ID        string    `json:"id"` // urn:uuid:...
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	Actor     Entity    `json:"actor"`
	Object    Entity    `json:"object"`
	EventTime time.Time `json:"eventTime"`

	// Generated carries the score for the completion event.
	Generated *Score `json:"generated,omitempty"`

	// Duration is the ISO-8601 time spent, set on the time-spent event.
	Duration string `json:"duration,omitempty"`

	// Extensions carries optional payload fields.
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Entity is an actor or object reference.
type Entity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Score is the generated result of a completion event.
type Score struct {
	Type     string `json:"type"`
	Correct  int    `json:"correct"`
	Total    int    `json:"total"`
	Attempt  *int   `json:"attempt,omitempty"`
	Mastered *int   `json:"mastered,omitempty"`
}

// BuildEnvelope assembles the wire payload for one queue event: an
// activity-completed sub-event and a time-spent sub-event sharing a single
// actor/object block.
func BuildEnvelope(sensor string, sendTime time.Time, p queue.Payload) Envelope {
	actor := Entity{
		ID:   "urn:learner:" + p.LearnerID,
		Type: "Person",
	}
	object := Entity{
		ID:   "urn:activity:" + p.ResourceID,
		Type: "DigitalResource",
	}

	completed := Event{
		ID:        "urn:uuid:" + uuid.NewString(),
		Type:      "ActivityEvent",
		Action:    "Completed",
		Actor:     actor,
		Object:    object,
		EventTime: p.CompletedAt,
		Generated: &Score{
			Type:     "Score",
			Correct:  p.CorrectCount,
			Total:    p.TotalCount,
			Attempt:  p.Attempt,
			Mastered: p.MasteredUnits,
		},
	}

	timeSpent := Event{
		ID:        "urn:uuid:" + uuid.NewString(),
		Type:      "TimeSpentEvent",
		Action:    "Spent",
		Actor:     actor,
		Object:    object,
		EventTime: p.CompletedAt,
		Duration:  isoDuration(p.DurationSeconds),
	}

	return Envelope{
		Sensor:      sensor,
		SendTime:    sendTime,
		DataVersion: DataVersion,
		Data:        []Event{completed, timeSpent},
	}
}

// isoDuration renders seconds as an ISO-8601 duration, e.g. "PT150S".
func isoDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("PT%dS", seconds)
}

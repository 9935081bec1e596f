package roster

import "time"

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE WRAPPERS
// ══════════════════════════════════════════════════════════════════════════════

// resultsResponse wraps the assessment-results listing.
type resultsResponse struct {
	Results []AssessmentResultDTO `json:"results"`
}

// enrollmentsResponse wraps the enrollments listing.
type enrollmentsResponse struct {
	Enrollments []EnrollmentDTO `json:"enrollments"`
}

// classesResponse wraps the classes listing.
type classesResponse struct {
	Classes []ClassDTO `json:"classes"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ASSESSMENT RESULT DTOs
// ══════════════════════════════════════════════════════════════════════════════

// AssessmentResultDTO is one line-item result as the rostering API returns
// it. Results are fetched fresh per verification request and never cached.
type AssessmentResultDTO struct {
	// SourcedID is the unique identifier of the result record.
	SourcedID string `json:"sourcedId"`

	// Score is the raw score value.
	Score float64 `json:"score"`

	// ScoreDate is when the assessment was scored.
	ScoreDate time.Time `json:"scoreDate"`

	// LineItem references the assessment line item (the skill track).
	LineItem RefDTO `json:"lineItem"`

	// Metadata carries grade and speed-metric annotations. Both must be
	// present for a record to feed progression; records missing either
	// are dropped by the mapper.
	Metadata ResultMetadataDTO `json:"metadata"`
}

// ResultMetadataDTO is the metadata block of a result record.
type ResultMetadataDTO struct {
	// Grade is the knowledge-grade label at assessment time, e.g. "3",
	// "G3", "K".
	Grade string `json:"grade,omitempty"`

	// CQPM is the correct-answers-per-minute speed metric, serialized as
	// a string by the upstream. Empty when the record carries none.
	CQPM string `json:"cqpm,omitempty"`
}

// RefDTO is a sourcedId reference with a display title.
type RefDTO struct {
	SourcedID string `json:"sourcedId"`
	Title     string `json:"title,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT DTOs
// ══════════════════════════════════════════════════════════════════════════════

// EnrollmentDTO is an enrollment record linking a user to a class.
type EnrollmentDTO struct {
	SourcedID string  `json:"sourcedId"`
	Status    string  `json:"status"` // "active" or "tobedeleted"
	Role      string  `json:"role"`
	User      RefDTO  `json:"user"`
	Class     RefDTO  `json:"class"`
	BeginDate string  `json:"beginDate,omitempty"` // YYYY-MM-DD
	EndDate   *string `json:"endDate,omitempty"`
}

// ClassDTO is a class record; Grades carries the grade labels the class
// serves.
type ClassDTO struct {
	SourcedID string   `json:"sourcedId"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Grades    []string `json:"grades,omitempty"`
}

// StatusActive is the enrollment/class status the API uses for live records.
const StatusActive = "active"

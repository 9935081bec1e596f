package roster

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/fluencyhub/fluency-sync/internal/domain/progression"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetActiveEnrollment returns the learner's active enrollment, or nil when
// the learner is not enrolled anywhere.
func (c *Client) GetActiveEnrollment(ctx context.Context, userID string) (*EnrollmentDTO, error) {
	query := url.Values{}
	query.Set("user", userID)
	query.Set("status", StatusActive)

	var resp enrollmentsResponse
	if err := c.do(ctx, http.MethodGet, "/enrollments", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("get active enrollment for %s: %w", userID, err)
	}

	if len(resp.Enrollments) == 0 {
		return nil, nil
	}
	return &resp.Enrollments[0], nil
}

// EndEnrollment sets the enrollment's end date to today. Used as the
// best-effort close-out step of a grade transition.
func (c *Client) EndEnrollment(ctx context.Context, enrollmentID string, endDate time.Time) error {
	path := "/enrollments/" + url.PathEscape(enrollmentID)
	body := map[string]interface{}{
		"enrollment": map[string]string{
			"endDate": endDate.Format("2006-01-02"),
		},
	}

	if err := c.do(ctx, http.MethodPatch, path, nil, body, nil); err != nil {
		return fmt.Errorf("end enrollment %s: %w", enrollmentID, err)
	}
	return nil
}

// DeleteEnrollment soft-deletes the enrollment (the API marks it
// "tobedeleted" rather than removing the row).
func (c *Client) DeleteEnrollment(ctx context.Context, enrollmentID string) error {
	path := "/enrollments/" + url.PathEscape(enrollmentID)

	if err := c.do(ctx, http.MethodDelete, path, nil, nil, nil); err != nil {
		return fmt.Errorf("delete enrollment %s: %w", enrollmentID, err)
	}
	return nil
}

// CreateEnrollment enrolls the user into the class as a student, starting
// today, and returns the new enrollment's sourcedId.
func (c *Client) CreateEnrollment(ctx context.Context, userID, classID string, beginDate time.Time) (string, error) {
	sourcedID := uuid.NewString()
	body := map[string]interface{}{
		"enrollment": EnrollmentDTO{
			SourcedID: sourcedID,
			Status:    StatusActive,
			Role:      "student",
			User:      RefDTO{SourcedID: userID},
			Class:     RefDTO{SourcedID: classID},
			BeginDate: beginDate.Format("2006-01-02"),
		},
	}

	if err := c.do(ctx, http.MethodPost, "/enrollments", nil, body, nil); err != nil {
		return "", fmt.Errorf("create enrollment for %s in class %s: %w", userID, classID, err)
	}
	return sourcedID, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CLASS OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// FindClassForGrade returns the active class serving the given grade, or
// nil when none exists.
func (c *Client) FindClassForGrade(ctx context.Context, grade progression.Grade) (*ClassDTO, error) {
	query := url.Values{}
	query.Set("grade", grade.String())
	query.Set("status", StatusActive)

	var resp classesResponse
	if err := c.do(ctx, http.MethodGet, "/classes", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("find class for grade %s: %w", grade, err)
	}

	if len(resp.Classes) == 0 {
		return nil, nil
	}
	return &resp.Classes[0], nil
}

// GradeOfClass parses the grade a class serves from its grades list. The
// boolean is false when the class declares no parsable grade.
func GradeOfClass(class *ClassDTO) (progression.Grade, bool) {
	if class == nil {
		return 0, false
	}
	for _, label := range class.Grades {
		if g, ok := progression.ParseGrade(label); ok {
			return g, true
		}
	}
	return 0, false
}

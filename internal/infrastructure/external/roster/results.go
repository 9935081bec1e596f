package roster

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/fluencyhub/fluency-sync/internal/domain/progression"
)

// ListAssessmentResults fetches a learner's complete assessment history,
// page by page with a fixed page size and increasing offset. A page
// returning fewer records than the page size is the last page.
//
// Fault model: a 401 on any page refreshes the token and retries that page
// once (inside the client). Any other failure aborts pagination and returns
// whatever was accumulated so far; partial history is preferred over total
// failure, and the next verification request fetches fresh anyway.
func (c *Client) ListAssessmentResults(ctx context.Context, learnerID string) ([]AssessmentResultDTO, error) {
	var all []AssessmentResultDTO

	for offset := 0; ; offset += c.config.PageSize {
		query := url.Values{}
		query.Set("learner", learnerID)
		query.Set("limit", strconv.Itoa(c.config.PageSize))
		query.Set("offset", strconv.Itoa(offset))

		var page resultsResponse
		if err := c.do(ctx, http.MethodGet, "/results", query, nil, &page); err != nil {
			c.logger.Warn("history fetch aborted, returning partial results",
				"learner_id", learnerID,
				"fetched", len(all),
				"offset", offset,
				"error", err,
			)
			if c.config.Metrics != nil {
				c.config.Metrics.HistoryAborts.Inc()
			}
			return all, nil
		}

		if c.config.Metrics != nil {
			c.config.Metrics.HistoryPages.Inc()
		}

		all = append(all, page.Results...)
		if len(page.Results) < c.config.PageSize {
			return all, nil
		}
	}
}

// ToAssessments maps result DTOs to domain assessments, keeping only
// records that carry both a parsable speed metric and a grade label in
// their metadata. Everything else is invisible to progression.
func ToAssessments(dtos []AssessmentResultDTO) []progression.Assessment {
	out := make([]progression.Assessment, 0, len(dtos))
	for _, dto := range dtos {
		if dto.Metadata.Grade == "" || dto.Metadata.CQPM == "" {
			continue
		}
		cqpm, err := strconv.ParseFloat(dto.Metadata.CQPM, 64)
		if err != nil {
			continue
		}

		track := dto.LineItem.Title
		if track == "" {
			track = dto.LineItem.SourcedID
		}

		out = append(out, progression.Assessment{
			Track:      track,
			CQPM:       cqpm,
			GradeLabel: dto.Metadata.Grade,
			ScoredAt:   dto.ScoreDate,
		})
	}
	return out
}

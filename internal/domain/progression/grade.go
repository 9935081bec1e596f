package progression

import (
	"strconv"
	"strings"
)

// Grade is a knowledge grade level. Kindergarten is 0, first grade is 1,
// and so on.
type Grade int

// GradeKindergarten is the lowest grade the platform reports.
const GradeKindergarten Grade = 0

// ParseGrade parses the grade labels the rostering platform emits in
// assessment metadata. Accepted forms: "5", "G5", "K", "KG" (case
// insensitive, surrounding whitespace ignored). The boolean is false when
// the label cannot be interpreted as a grade.
func ParseGrade(s string) (Grade, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	if s == "K" || s == "KG" {
		return GradeKindergarten, true
	}

	s = strings.TrimPrefix(s, "G")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return Grade(n), true
}

// String returns the canonical label for the grade ("K", "1", "2", ...).
func (g Grade) String() string {
	if g == GradeKindergarten {
		return "K"
	}
	return strconv.Itoa(int(g))
}

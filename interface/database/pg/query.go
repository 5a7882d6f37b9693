package pg

import (
	"fmt"
	"strings"
)

// limitOffsetClause returns the pagination clause (limit <= 0: no limit)
func limitOffsetClause(page, limit int) string {
	switch {
	case limit <= 0:
		return ""
	case page <= 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, page*limit)
}

// parseLike converts a pattern with wildcards (*, ?) into a LIKE pattern.
// A (?i) suffix makes the comparison case-insensitive.
// Returns the value and the operator (=, LIKE or ILIKE)
func parseLike(pattern string) (string, string) {
	operator := "LIKE"
	if p, ok := strings.CutSuffix(pattern, "(?i)"); ok {
		pattern, operator = p, "ILIKE"
	}
	escaped := strings.NewReplacer("_", `\_`, "%", `\%`).Replace(pattern)
	like := strings.NewReplacer("*", "%", "?", "_").Replace(escaped)
	if like == escaped && operator == "LIKE" {
		return pattern, "="
	}
	return like, operator
}

// whereClause builds a list of conditions with numbered parameters
type whereClause struct {
	Parameters []interface{}
	conditions []string
}

// append adds a condition, whose "%d" are replaced by the positions of the parameters
func (wc *whereClause) append(condition string, parameters ...interface{}) {
	positions := make([]interface{}, len(parameters))
	for i := range parameters {
		positions[i] = len(wc.Parameters) + i + 1
	}
	wc.Parameters = append(wc.Parameters, parameters...)
	wc.conditions = append(wc.conditions, fmt.Sprintf(condition, positions...))
}

func (wc whereClause) String() string {
	if len(wc.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(wc.conditions, " AND ")
}

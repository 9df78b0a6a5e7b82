// Package utils provides small helpers shared by the HTTP layer that carry no
// domain logic.
package utils

import "strconv"

// Page bounds for list endpoints.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// AtoiDefault parses s, returning def when s is empty or not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage reads 1-based page and limit query values, applying defaults and
// clamping limit to [1, MaxLimit].
func ParsePage(pageStr, limitStr string) (page, limit int) {
	page = AtoiDefault(pageStr, 1)
	if page < 1 {
		page = 1
	}
	limit = AtoiDefault(limitStr, DefaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

// TotalPages is ceil(total/limit); zero when limit is not positive.
func TotalPages(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

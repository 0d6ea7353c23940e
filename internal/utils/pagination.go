// Package utils provides small helpers shared across layers, independent of
// the draw domain.
package utils

import "strconv"

// AtoiDefault parses s as a base-10 integer and returns def when s is empty
// or unparseable. Handlers use it for optional query parameters such as
// page and page_size, where a malformed value should fall back to the
// default rather than fail the request.
//
//	page := utils.AtoiDefault(c.Query("page"), 1)
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Package utils holds helpers shared by the HTTP and service layers that
// carry no domain knowledge.
package utils

import (
	"strconv"
	"strings"
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads page number and size from their query string forms.
// Missing or malformed values take the defaults (page 1, defSize); the
// result is clamped to Number >= 1 and 1 <= Size <= maxSize.
func ParsePage(number, size string, defSize, maxSize int) Page {
	p := Page{Number: atoi(number, 1), Size: atoi(size, defSize)}
	p.Number = max(p.Number, 1)
	p.Size = min(max(p.Size, 1), max(maxSize, 1))
	return p
}

// Offset is the number of rows before the page.
func (p Page) Offset() int {
	if p.Number < 1 || p.Size < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// TotalPages is the page count for total rows at size rows per page.
func TotalPages(total int64, size int) int {
	if total <= 0 || size < 1 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}

func atoi(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

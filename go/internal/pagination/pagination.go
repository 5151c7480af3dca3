package pagination

import (
	"fmt"
	"math"
)

// Unbounded is the Limit of a page request without a page size.
const Unbounded = -1

// PageData is an offset/limit window. Limit is Unbounded when no page size
// was requested.
type PageData struct {
	Offset int
	Limit  int
}

// GetPageData turns 1-based page/perPage query parameters into an
// offset/limit window. Missing values select everything. An offset past
// math.MaxInt saturates, which selects nothing.
func GetPageData(page, perPage *int) PageData {
	if perPage == nil || *perPage <= 0 {
		return PageData{Offset: 0, Limit: Unbounded}
	}

	p, n := 1, *perPage
	if page != nil && *page > 1 {
		p = *page
	}
	if p-1 > math.MaxInt/n {
		return PageData{Offset: math.MaxInt, Limit: n}
	}
	return PageData{Offset: (p - 1) * n, Limit: n}
}

// Bounded reports whether the window has a limit.
func (p PageData) Bounded() bool {
	return p.Limit != Unbounded
}

// SQL renders the window as a LIMIT/OFFSET clause.
func (p PageData) SQL() string {
	if !p.Bounded() {
		return fmt.Sprintf("OFFSET %d", p.Offset)
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", p.Limit, p.Offset)
}

// Slice applies the window to items.
func Slice[T any](items []T, p PageData) []T {
	if p.Offset < 0 || p.Offset >= len(items) {
		return nil
	}
	end := len(items)
	if p.Bounded() && p.Limit >= 0 && p.Limit < end-p.Offset {
		end = p.Offset + p.Limit
	}
	return items[p.Offset:end]
}

package ledger

import (
	"fmt"
	"time"

	"github.com/archon72/ledger/pkg/event"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// Filter selects events. Types are OR-combined; every other criterion is
// AND-combined with them and with each other.
type Filter struct {
	Types        []string
	Branches     []string
	Since        *time.Time
	Until        *time.Time
	AsOfSequence uint64
	Offset       int
	Limit        int
}

// Normalize validates f and applies paging defaults.
func (f Filter) Normalize() (Filter, error) {
	for _, t := range f.Types {
		if _, err := event.ParseType(t); err != nil {
			return f, err
		}
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return f, fmt.Errorf("%w: until is before since", ErrInvalidRange)
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("%w: negative offset", ErrInvalidRange)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultPageSize
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}
	return f, nil
}

// Match reports whether ev satisfies every criterion except paging.
func (f Filter) Match(ev event.Event) bool {
	if f.AsOfSequence > 0 && ev.Sequence > f.AsOfSequence {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, string(ev.Type)) {
		return false
	}
	if len(f.Branches) > 0 && !contains(f.Branches, ev.Branch()) {
		return false
	}
	if f.Since != nil && ev.LocalTimestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && ev.LocalTimestamp.After(*f.Until) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Page is one window of a query result.
type Page struct {
	Events     []event.Event `json:"events"`
	TotalCount int           `json:"total_count"`
	Offset     int           `json:"offset"`
	Limit      int           `json:"limit"`
	HasMore    bool          `json:"has_more"`
}

// paginate windows a full, ordered match list.
func paginate(matched []event.Event, f Filter) Page {
	p := Page{TotalCount: len(matched), Offset: f.Offset, Limit: f.Limit, Events: []event.Event{}}
	if f.Offset >= len(matched) {
		return p
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	p.Events = append(p.Events, matched[f.Offset:end]...)
	p.HasMore = end < len(matched)
	return p
}

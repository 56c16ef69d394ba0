// Package audit fans audit rows out to the configured sinks.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// Multi writes each record to every sink. A failing sink does not stop the
// others; their errors are joined.
type Multi struct {
	sinks []crawler.AuditSink
}

// NewMulti drops nil sinks.
func NewMulti(sinks ...crawler.AuditSink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Record implements crawler.AuditSink.
func (m *Multi) Record(ctx context.Context, stream crawler.Stream, record crawler.AuditRecord) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Record(ctx, stream, record); err != nil {
			errs = append(errs, fmt.Errorf("audit sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

type stubSink struct {
	rows []crawler.Stream
	err  error
}

func (s *stubSink) Record(_ context.Context, stream crawler.Stream, _ crawler.AuditRecord) error {
	s.rows = append(s.rows, stream)
	return s.err
}

func TestMultiWritesToEverySink(t *testing.T) {
	t.Parallel()

	failing := &stubSink{err: errors.New("db down")}
	healthy := &stubSink{}
	m := NewMulti(failing, nil, healthy)
	require.Equal(t, 2, m.Len())

	rec := crawler.AuditRecord{TargetID: "a", Status: crawler.AuditSuccess, Timestamp: time.Unix(0, 0)}
	err := m.Record(context.Background(), crawler.StreamGood, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, []crawler.Stream{crawler.StreamGood}, healthy.rows)
	assert.Equal(t, []crawler.Stream{crawler.StreamGood}, failing.rows)
}

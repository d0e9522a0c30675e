package reports_test

import (
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/zynqcloud/driftbin/internal/privacy"
	"github.com/zynqcloud/driftbin/internal/reports"
)

func TestRecordAndForName(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := reports.New(fs, "/data", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, s.Record("abc12345", "spam", "repeated uploads", privacy.OwnerID("owner-alice"), 1000))
	require.NoError(t, s.Record("xyz98765", "malware", "", privacy.OwnerID("owner-bob"), 1001))

	got := s.ForName("abc12345")
	require.Len(t, got, 1)
	require.Equal(t, "spam", got[0].Reason)
	require.Equal(t, 2, s.Count())
}

func TestForNameReturnsNothingForUnreported(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := reports.New(fs, "/data", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.Empty(t, s.ForName("missing"))
}

func TestReportsPersistAcrossReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := reports.New(fs, "/data", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NoError(t, s.Record("abc12345", "spam", "", privacy.OwnerID("owner-alice"), 1000))

	reloaded, err := reports.New(fs, "/data", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Count())
	require.Len(t, reloaded.ForName("abc12345"), 1)
}

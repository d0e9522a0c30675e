// Package reports is the Report Sink: lets any caller flag a public name
// with a reason, persisted to a JSON mirror for operator review.
//
// This is additive functionality the distilled spec mentions only in
// passing (reports.json in its persisted-state layout) but never specifies
// an operation for; grounded on original_source/src/handlers/reports.rs and
// state.rs::ReportRecord. Email notification from the original is dropped —
// no mail transport exists anywhere in the example pack, and the spec names
// no such external interface.
package reports

import (
	"log/slog"
	"sync"

	"github.com/spf13/afero"

	"github.com/zynqcloud/driftbin/internal/jsonmirror"
	"github.com/zynqcloud/driftbin/internal/privacy"
)

const mirrorFile = "reports.json"

// Record is one abuse report against a public name.
type Record struct {
	PublicName    string          `json:"public_name"`
	Reason        string          `json:"reason"`
	Details       string          `json:"details"`
	ReporterOwner privacy.OwnerID `json:"reporter_owner"`
	CreatedAt     int64           `json:"created_at"`
}

// Sink accumulates reports and mirrors them to disk after each addition.
type Sink struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	list []Record
}

// New creates a Sink backed by dataDir/reports.json, loading any existing
// reports.
func New(fs afero.Fs, dataDir string, logger *slog.Logger) (*Sink, error) {
	s := &Sink{fs: fs, path: dataDir + "/" + mirrorFile, logger: logger}
	ok, err := jsonmirror.Load(fs, s.path, &s.list)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.list = nil
	}
	return s, nil
}

// Record appends a new report and persists the mirror. now is the caller's
// clock reading (seconds since epoch) so the package stays deterministic
// under test.
func (s *Sink) Record(publicName, reason, details string, reporterOwner privacy.OwnerID, now int64) error {
	rec := Record{
		PublicName:    publicName,
		Reason:        reason,
		Details:       details,
		ReporterOwner: reporterOwner,
		CreatedAt:     now,
	}

	s.mu.Lock()
	s.list = append(s.list, rec)
	snapshot := append([]Record(nil), s.list...)
	s.mu.Unlock()

	if err := jsonmirror.Save(s.fs, s.path, snapshot); err != nil {
		s.logger.Error("reports: mirror write failed", "public_name", publicName, "err", err)
		return err
	}
	return nil
}

// ForName returns every report filed against publicName, in submission
// order.
func (s *Sink) ForName(publicName string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.list {
		if r.PublicName == publicName {
			out = append(out, r)
		}
	}
	return out
}

// Count reports the total number of reports filed, for metrics/tests.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

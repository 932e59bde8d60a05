// Package stats derives reporting summaries from job history. Both windows are
// pure reads over the automation_logs table, so running jobs' live counters are
// included. All window math is UTC.
package stats

import (
	"time"

	"tgauto/internal/model"
	"tgauto/internal/storage"
)

type Aggregator struct {
	store *storage.Store
	// now is swappable in tests.
	now func() time.Time
}

func New(store *storage.Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Today sums job counters over the current UTC calendar day.
func (a *Aggregator) Today() (model.StatSummary, error) {
	now := a.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return a.store.StatsSince(midnight)
}

// Last24h sums job counters over the rolling [now - 24h, now] window.
func (a *Aggregator) Last24h() (model.StatSummary, error) {
	return a.store.StatsSince(a.now().UTC().Add(-24 * time.Hour))
}

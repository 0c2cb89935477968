package ingest

import (
	"fmt"
	"time"

	"github.com/sells-group/grid-pipeline/internal/model"
)

// Window is the half-open hour range [Start, End) requested from upstream.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Hours returns the number of whole hours in the window.
func (w Window) Hours() int {
	return int(w.End.Sub(w.Start) / time.Hour)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(model.PeriodLayout), w.End.Format(model.PeriodLayout))
}

// ComputeWindow returns the unfetched window ending at the current hour
// boundary. With no checkpoint it reaches back bootstrap from now. ok is
// false when there is nothing to fetch.
func ComputeWindow(cp *model.Checkpoint, now time.Time, bootstrap time.Duration) (Window, bool) {
	now = now.UTC()
	end := now.Truncate(time.Hour)

	var start time.Time
	if cp == nil {
		start = now.Add(-bootstrap)
	} else {
		start = cp.LastIngestedUTC.UTC().Add(time.Hour)
	}

	if !start.Before(end) {
		return Window{}, false
	}
	return Window{Start: start, End: end}, true
}

// BronzeKey names the raw object for a run that started at now:
// bronze/<source>/YYYY/MM/DD/HH/MMSS.json.
func BronzeKey(source string, now time.Time) string {
	return fmt.Sprintf("bronze/%s/%s.json", source, now.UTC().Format("2006/01/02/15/0405"))
}

package narrative

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"
)

// ItemFailure is the captured last error of an item that exhausted its attempts.
type ItemFailure struct {
	ItemID   string `json:"item_id"`
	Label    string `json:"label,omitempty"`
	Attempts int    `json:"attempts"`
	Err      string `json:"error"`
}

// Report summarizes one Run.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// This run.
	Attempted    int  `json:"attempted"`
	Succeeded    int  `json:"succeeded"`
	Failed       int  `json:"failed"`
	Skipped      int  `json:"skipped"`
	Deferred     int  `json:"deferred,omitempty"`
	NotAttempted int  `json:"not_attempted,omitempty"`
	Cancelled    bool `json:"cancelled,omitempty"`

	// Checkpoint totals after the run.
	Processed   int `json:"processed"`
	FailedTotal int `json:"failed_total"`
	Total       int `json:"total"`

	CheckpointErrors int           `json:"checkpoint_errors,omitempty"`
	Failures         []ItemFailure `json:"failures,omitempty"`
}

func (r Report) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SuccessRate is the share of attempted items that succeeded, in percent.
func (r Report) SuccessRate() float64 {
	if r.Attempted == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(r.Attempted) * 100
}

// WriteText prints the operator summary.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", r.RunID)
	fmt.Fprintf(tw, "attempted\t%d\n", r.Attempted)
	fmt.Fprintf(tw, "succeeded\t%d\n", r.Succeeded)
	fmt.Fprintf(tw, "failed\t%d\n", r.Failed)
	fmt.Fprintf(tw, "skipped (already processed)\t%d\n", r.Skipped)
	if r.Deferred > 0 {
		fmt.Fprintf(tw, "deferred (limit)\t%d\n", r.Deferred)
	}
	if r.Cancelled {
		fmt.Fprintf(tw, "not attempted (cancelled)\t%d\n", r.NotAttempted)
	}
	fmt.Fprintf(tw, "success rate\t%.1f%%\n", r.SuccessRate())
	fmt.Fprintf(tw, "duration\t%s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(tw, "checkpoint\t%d processed, %d failed, %d total\n", r.Processed, r.FailedTotal, r.Total)
	if r.CheckpointErrors > 0 {
		fmt.Fprintf(tw, "checkpoint save errors\t%d\n", r.CheckpointErrors)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return writeFailures(w, r.Failures)
}

// WriteStatus prints a stored checkpoint, including the last error of each failed item.
func WriteStatus(w io.Writer, rec *CheckpointRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", rec.RunID)
	fmt.Fprintf(tw, "version\t%d\n", rec.Version)
	fmt.Fprintf(tw, "started\t%s\n", rec.StartedAt.Format(time.RFC3339))
	if !rec.LastUpdatedAt.IsZero() {
		fmt.Fprintf(tw, "last updated\t%s\n", rec.LastUpdatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "processed\t%d\n", len(rec.Processed))
	fmt.Fprintf(tw, "failed\t%d\n", len(rec.Failed))
	fmt.Fprintf(tw, "total\t%d\n", rec.TotalCount)
	if err := tw.Flush(); err != nil {
		return err
	}
	var failures []ItemFailure
	for _, id := range rec.Failed.Sorted() {
		failures = append(failures, ItemFailure{ItemID: id, Err: rec.LastErrors[id]})
	}
	return writeFailures(w, failures)
}

func writeFailures(w io.Writer, failures []ItemFailure) error {
	if len(failures) == 0 {
		return nil
	}
	sorted := append([]ItemFailure(nil), failures...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })
	if _, err := fmt.Fprintf(w, "\nfailed items:\n"); err != nil {
		return err
	}
	for _, f := range sorted {
		label := ""
		if f.Label != "" && f.Label != f.ItemID {
			label = " (" + f.Label + ")"
		}
		attempts := ""
		if f.Attempts > 0 {
			attempts = fmt.Sprintf(" after %d attempt(s)", f.Attempts)
		}
		if _, err := fmt.Fprintf(w, "- %s%s%s: %s\n", f.ItemID, label, attempts, f.Err); err != nil {
			return err
		}
	}
	return nil
}

package app

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"

	"github.com/autopeer-io/updater/internal/updater/core/model"
)

const noneMark = "-"

func printState(w io.Writer, st *model.State) error {
	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true

	table.AddRow("PHASE:", st.Phase)
	table.AddRow("CURRENT:", st.CurrentVersion)
	table.AddRow("PREVIOUS:", orNone(st.PreviousVersion))
	available := noneMark
	if st.AvailableVersion != nil {
		available = *st.AvailableVersion
	}
	table.AddRow("AVAILABLE:", available)
	lastChecked := "never"
	if st.LastCheckedAt != nil {
		lastChecked = humanize.Time(*st.LastCheckedAt)
	}
	table.AddRow("LAST CHECKED:", lastChecked)
	table.AddRow("PENDING:", len(st.Pending))
	table.AddRow("ROLLBACK AVAILABLE:", st.RollbackAvailable)
	table.AddRow("UNSTABLE:", st.Unstable)
	if f := st.LastFailure; f != nil {
		table.AddRow("LAST FAILURE:", fmt.Sprintf("%s (%s): %s", f.Kind, humanize.Time(f.At), f.Reason))
	}

	_, err := fmt.Fprintln(w, table)
	return err
}

func printDescriptors(w io.Writer, ds []model.UpdateDescriptor) error {
	if len(ds) == 0 {
		_, err := fmt.Fprintln(w, "No pending updates.")
		return err
	}

	table := uitable.New()
	table.AddRow("VERSION", "SIZE", "PLATFORMS", "DISCOVERED", "INSTALLED")
	for _, d := range ds {
		size := noneMark
		if d.Compatibility.RequiredDiskBytes > 0 {
			size = humanize.Bytes(d.Compatibility.RequiredDiskBytes)
		}
		platforms := noneMark
		if len(d.Compatibility.Platforms) > 0 {
			platforms = fmt.Sprint(d.Compatibility.Platforms)
		}
		table.AddRow(d.Version, size, platforms, when(d.DiscoveredAt), d.Installed)
	}
	_, err := fmt.Fprintln(w, table)
	return err
}

func printHistory(w io.Writer, recs []model.HistoryRecord) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "No history.")
		return err
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("TIME", "KIND", "VERSION", "FROM", "OUTCOME", "TOOK", "REASON")
	for _, r := range recs {
		took := noneMark
		if r.Duration > 0 {
			took = r.Duration.Round(time.Second).String()
		}
		table.AddRow(when(r.Time), r.Kind, orNone(r.Version), orNone(r.FromVersion), r.Outcome, took, orNone(r.Reason))
	}
	_, err := fmt.Fprintln(w, table)
	return err
}

func when(t time.Time) string {
	if t.IsZero() {
		return noneMark
	}
	return humanize.Time(t)
}

func orNone(s string) string {
	if s == "" {
		return noneMark
	}
	return s
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/samber/lo"
)

type output struct {
	format string
	w      io.Writer
}

func newOutput(opts *RootOptions, w io.Writer) *output {
	return &output{format: opts.Format, w: w}
}

// print writes v as indented json, or calls text when the text format is
// selected.
func (o *output) print(v any, text func(w io.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	text(o.w)
	return nil
}

func writeRecord(w io.Writer, r types.DeviceRecord) {
	fmt.Fprintf(w, "%s  %-8s fall=%-12s lat=%.6f lon=%.6f battery=%.0f steps=%.0f distance=%.2f\n",
		r.Location.Timestamp, r.DeviceID, r.Status.Fall, r.Location.Latitude, r.Location.Longitude, r.Battery, r.Steps, r.Distance)
}

func writeRecords(w io.Writer, records []types.DeviceRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no readings")
		return
	}

	for _, r := range records {
		writeRecord(w, r)
	}
}

func writePagination(w io.Writer, p types.Pagination) {
	fmt.Fprintf(w, "page %d of %d (%d total)\n", p.Page, p.Pages, p.Total)
}

func writeNotification(w io.Writer, n types.Notification) {
	state := lo.Ternary(n.Read, "read", "unread")
	fmt.Fprintf(w, "#%-5d %s  %-8s %-6s %s\n", n.ID, n.Timestamp.Format("2006-01-02 15:04:05"), n.DeviceID, state, n.Message)
}

func writeReading(w io.Writer, deviceID, source string, offline bool, r types.DeviceRecord) {
	status := lo.Ternary(offline, "offline", "online")

	fmt.Fprintf(w, "device:     %s (%s, from %s)\n", deviceID, status, source)
	fmt.Fprintf(w, "time:       %s\n", r.Location.Timestamp)
	fmt.Fprintf(w, "fall:       %s\n", r.Status.Fall)
	fmt.Fprintf(w, "location:   %.6f, %.6f\n", r.Location.Latitude, r.Location.Longitude)
	fmt.Fprintf(w, "sensors:    %s\n", strings.Join([]string{r.Sensors.Ultrasonic1, r.Sensors.Ultrasonic2}, " / "))
	fmt.Fprintf(w, "battery:    %.0f%%\n", r.Battery)
	fmt.Fprintf(w, "steps:      %.0f\n", r.Steps)
	fmt.Fprintf(w, "distance:   %.2f\n", r.Distance)
}

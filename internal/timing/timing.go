// Package timing records how long each named phase of a sequence takes.
package timing

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Timer tracks durations of named phases.
type Timer struct {
	now    func() time.Time
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Timer that reads time from now.
func NewWithClock(now func() time.Time) *Timer {
	t := now()
	return &Timer{now: now, start: t, last: t}
}

// Mark records a named phase ending now. Its duration is the time since
// the previous mark, or since the timer started for the first mark.
func (t *Timer) Mark(name string) {
	now := t.now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	return t.phases
}

// Report prints a timing report to the given writer.
func (t *Timer) Report(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== Bootstrap Timing ===")
	for _, p := range t.phases {
		fmt.Fprintf(w, "  %-24s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-24s %s\n", "TOTAL:", formatDuration(t.Total()))
	fmt.Fprintln(w, "========================")
}

// LogValue renders the phases as a group, one duration per phase plus
// "total".
func (t *Timer) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(t.phases)+1)
	for _, p := range t.phases {
		attrs = append(attrs, slog.Duration(p.Name, p.Duration))
	}
	attrs = append(attrs, slog.Duration("total", t.Total()))
	return slog.GroupValue(attrs...)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

package logging

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// PhaseTiming is one completed pipeline phase and how long it took.
type PhaseTiming struct {
	Name     string
	Duration time.Duration
}

// Summary accumulates the facts worth showing after a generation run:
// what was produced, at which tier, and where the time went.
type Summary struct {
	Input     string
	Output    string
	ClipLen   float64 // seconds of source audio
	TierName  string
	Frames    int
	Attempts  int
	StartedAt time.Time

	phases []PhaseTiming
}

// NewSummary starts timing a run.
func NewSummary(input, output string) *Summary {
	return &Summary{Input: input, Output: output, StartedAt: time.Now()}
}

// RecordPhase appends a completed phase timing. Phases render in the order
// they were recorded.
func (s *Summary) RecordPhase(name string, d time.Duration) {
	s.phases = append(s.phases, PhaseTiming{Name: name, Duration: d})
}

// Render formats the summary as an aligned two-column table for the
// terminal.
func (s *Summary) Render() string {
	rows := [][2]string{
		{"Input", s.Input},
		{"Output", s.Output},
		{"Clip length", fmt.Sprintf("%.1fs", s.ClipLen)},
		{"Tier", s.TierName},
		{"Frames", fmt.Sprintf("%d", s.Frames)},
		{"Attempts", fmt.Sprintf("%d", s.Attempts)},
		{"Total time", formatDuration(time.Since(s.StartedAt))},
	}
	for _, p := range s.phases {
		rows = append(rows, [2]string{"  " + p.Name, formatDuration(p.Duration)})
	}

	labelWidth := 0
	for _, r := range rows {
		if len(r[0]) > labelWidth {
			labelWidth = len(r[0])
		}
	}

	var b strings.Builder
	b.WriteString("Generation summary\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "  %-*s  %s\n", labelWidth, r[0], r[1])
	}
	return b.String()
}

// Log emits the summary as one structured record.
func (s *Summary) Log(logger *slog.Logger) {
	attrs := []any{
		"input", s.Input,
		"output", s.Output,
		"clip_seconds", s.ClipLen,
		"tier", s.TierName,
		"frames", s.Frames,
		"attempts", s.Attempts,
		"elapsed", time.Since(s.StartedAt),
	}
	for _, p := range s.phases {
		attrs = append(attrs, "phase_"+strings.ReplaceAll(p.Name, " ", "_"), p.Duration)
	}
	logger.Info("generation summary", attrs...)
}

// formatDuration trims sub-millisecond noise from durations meant for
// human eyes.
func formatDuration(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Millisecond).String()
}

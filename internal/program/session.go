package program

import (
	"fmt"
	"strings"
	"time"
)

// SessionType classifies a training day.
type SessionType string

const (
	Sprint         SessionType = "Sprint"
	Acceleration   SessionType = "Acceleration"
	MaxVelocity    SessionType = "MaxVelocity"
	SpeedEndurance SessionType = "SpeedEndurance"
	Tempo          SessionType = "Tempo"
	Benchmark      SessionType = "Benchmark"
	ActiveRecovery SessionType = "ActiveRecovery"
	Rest           SessionType = "Rest"
)

// RepetitionBlock is one set of repeated efforts.
type RepetitionBlock struct {
	DistanceYards int    `json:"distance_yards"`
	Reps          int    `json:"reps"`
	Intensity     string `json:"intensity"`
	RestSeconds   int    `json:"rest_seconds"`
}

func (b RepetitionBlock) String() string {
	return fmt.Sprintf("%dx%dyd@%s/%ds", b.Reps, b.DistanceYards, b.Intensity, b.RestSeconds)
}

// Session is one training unit.
//
// Week, Day and the content fields are fixed at generation. Only the
// completion fields change afterwards.
type Session struct {
	ID          string            `json:"id"`
	Week        int               `json:"week"`
	Day         int               `json:"day"`
	Type        SessionType       `json:"type"`
	Focus       string            `json:"focus"`
	Blocks      []RepetitionBlock `json:"blocks,omitempty"`
	Accessories []string          `json:"accessories,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	Completed   bool              `json:"completed"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Results     []float64         `json:"results,omitempty"`
}

// Result is what a finished workout records against a session.
type Result struct {
	At    time.Time
	Times []float64 // seconds, one per timed rep
}

// Complete returns a copy of s with the completion fields set.
func (s Session) Complete(r Result) Session {
	at := r.At.UTC()
	s.Completed = true
	s.CompletedAt = &at
	s.Results = append([]float64(nil), r.Times...)
	return s
}

// WithCompletionFrom returns s carrying other's completion fields.
func (s Session) WithCompletionFrom(other Session) Session {
	s.Completed = other.Completed
	s.CompletedAt = other.CompletedAt
	s.Results = other.Results
	return s
}

// TotalReps sums reps across blocks.
func (s Session) TotalReps() int {
	n := 0
	for _, b := range s.Blocks {
		n += b.Reps
	}
	return n
}

// Summary renders one line per session, e.g.
//
//	W1D2 Sprint 2x20yd@70%/60s, 2x30yd@80%/120s
func Summary(sessions []Session) string {
	var sb strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&sb, "W%dD%d %s", s.Week, s.Day, s.Type)
		for i, b := range s.Blocks {
			if i == 0 {
				sb.WriteByte(' ')
			} else {
				sb.WriteString(", ")
			}
			sb.WriteString(b.String())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

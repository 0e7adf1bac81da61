// Package batch decides how much of a program to send in one transfer.
//
// The serving peer looks at how far the requester has progressed and
// sends a prefix of the program sized to that progress:
//
//	Phase 1  week <= 1   week 1 only
//	Phase 2  week 2      weeks 1..N, N from a per-frequency table
//	Phase 3  weeks 3-5   weeks 1..M, a wider per-frequency table
//	Phase 4  week >= 6   the whole program
//
// Early weeks never wait on a large payload; later weeks get everything
// so the requester can replace its store wholesale.
package batch

import (
	"fmt"

	"github.com/roach88/sprintsync/internal/program"
)

// Phase is a batching tier, 1 through 4.
type Phase int

const (
	PhaseImmediate Phase = iota + 1
	PhaseFrequency
	PhaseMedium
	PhaseFull
)

// String renders the phase the way it travels on the wire.
func (p Phase) String() string {
	return fmt.Sprintf("PHASE %d", int(p))
}

// ParsePhase reads the wire form written by String. Anything else is an
// error so a receiver never guesses between replace and merge.
func ParsePhase(s string) (Phase, error) {
	var n int
	if _, err := fmt.Sscanf(s, "PHASE %d", &n); err != nil || n < int(PhaseImmediate) || n > int(PhaseFull) {
		return 0, fmt.Errorf("invalid batch phase %q", s)
	}
	return Phase(n), nil
}

// IsFull reports whether the batch carries the whole program, in which case
// the receiver replaces rather than merges.
func (p Phase) IsFull() bool {
	return p == PhaseFull
}

// phase2Weeks is indexed by weekly frequency. Sessions sent are
// weeks*frequency: 4, 6, 6, 8, 10, 12, 14.
var phase2Weeks = [program.MaxFrequency + 1]int{1: 4, 2: 3, 3: 2, 4: 2, 5: 2, 6: 2, 7: 2}

// phase3Weeks is indexed by weekly frequency. Sessions sent:
// 8, 12, 15, 16, 20, 24, 28. Every entry exceeds its phase 2 count.
var phase3Weeks = [program.MaxFrequency + 1]int{1: 8, 2: 6, 3: 5, 4: 4, 5: 4, 6: 4, 7: 4}

// PhaseFor maps the requester's current week to a phase.
func PhaseFor(userWeek int) Phase {
	switch {
	case userWeek <= 1:
		return PhaseImmediate
	case userWeek == 2:
		return PhaseFrequency
	case userWeek <= 5:
		return PhaseMedium
	default:
		return PhaseFull
	}
}

// WeeksFor returns how many leading weeks a phase includes. Zero means all.
func WeeksFor(p Phase, frequency int) int {
	f := program.ClampFrequency(frequency)
	switch p {
	case PhaseImmediate:
		return 1
	case PhaseFrequency:
		return phase2Weeks[f]
	case PhaseMedium:
		return phase3Weeks[f]
	default:
		return 0
	}
}

// Describe returns the human-readable batch description.
func Describe(p Phase, weeks int) string {
	switch p {
	case PhaseImmediate:
		return "Week 1 (Immediate Access)"
	case PhaseFrequency:
		return fmt.Sprintf("Weeks 1-%d (Frequency-Optimized)", weeks)
	case PhaseMedium:
		return fmt.Sprintf("Weeks 1-%d (Medium Batch)", weeks)
	default:
		return "Full Program (All Weeks)"
	}
}

// Batch is the slice of a program selected for one transfer.
type Batch struct {
	Sessions    []program.Session
	Phase       Phase
	Description string
	UserWeek    int
	Frequency   int
	Total       int // sessions in the full program
}

// Select picks the sessions to send to a requester at userWeek.
// The input is not modified; the returned slice is a copy.
func Select(sessions []program.Session, userWeek, frequency int) Batch {
	p := PhaseFor(userWeek)
	weeks := WeeksFor(p, frequency)

	picked := make([]program.Session, 0, len(sessions))
	for _, s := range sessions {
		if weeks == 0 || s.Week <= weeks {
			picked = append(picked, s)
		}
	}

	return Batch{
		Sessions:    picked,
		Phase:       p,
		Description: Describe(p, weeks),
		UserWeek:    max(userWeek, 1),
		Frequency:   program.ClampFrequency(frequency),
		Total:       len(sessions),
	}
}

// UserWeek is one past the highest completed week, or 1 when nothing is done.
func UserWeek(sessions []program.Session) int {
	highest := 0
	for _, s := range sessions {
		if s.Completed && s.Week > highest {
			highest = s.Week
		}
	}
	return highest + 1
}

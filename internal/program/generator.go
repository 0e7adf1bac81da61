package program

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	// DefaultWeeks is the program length when none is configured.
	DefaultWeeks = 12

	// MinFrequency and MaxFrequency bound sessions per week.
	MinFrequency = 1
	MaxFrequency = 7

	// BenchmarkEvery is the benchmark cadence in weeks.
	BenchmarkEvery = 4

	// ReferenceDistance is the time-trial distance in yards.
	ReferenceDistance = 40
)

// sessionNamespace scopes session IDs. Changing it changes every ID.
var sessionNamespace = uuid.MustParse("6f1d3c52-8e0b-4b7a-9c51-2d8f4a7e9b13")

// Params are the generator inputs for a whole program.
type Params struct {
	Level     Level
	Frequency int
	Weeks     int
}

// Normalize clamps frequency and fills in the default program length.
func (p Params) Normalize() Params {
	p.Frequency = ClampFrequency(p.Frequency)
	if p.Weeks < 1 {
		p.Weeks = DefaultWeeks
	}
	if p.Level < Beginner || p.Level > Elite {
		p.Level = Beginner
	}
	return p
}

// ClampFrequency clamps f to [MinFrequency, MaxFrequency].
func ClampFrequency(f int) int {
	switch {
	case f < MinFrequency:
		return MinFrequency
	case f > MaxFrequency:
		return MaxFrequency
	default:
		return f
	}
}

// SessionID returns the stable ID for a (week, day) coordinate.
func SessionID(week, day int) string {
	return uuid.NewSHA1(sessionNamespace, []byte(fmt.Sprintf("w%d-d%d", week, day))).String()
}

// Generate builds the whole program: weeks 1..p.Weeks, days 1..frequency.
// It cannot fail; out-of-range params are normalized first.
func Generate(p Params) []Session {
	p = p.Normalize()
	sessions := make([]Session, 0, p.Weeks*p.Frequency)
	for week := 1; week <= p.Weeks; week++ {
		for day := 1; day <= p.Frequency; day++ {
			sessions = append(sessions, build(p.Level, p.Frequency, week, day))
		}
	}
	return sessions
}

// GenerateOne builds a single session. The result equals the matching
// element of Generate for the same level and frequency.
//
// Week must be >= 1 and day must be in [1, frequency] after clamping,
// otherwise a *ScheduleError is returned.
func GenerateOne(level Level, frequency, week, day int) (Session, error) {
	frequency = ClampFrequency(frequency)
	if week < 1 || day < 1 || day > frequency {
		return Session{}, &ScheduleError{Week: week, Day: day, Frequency: frequency}
	}
	if level < Beginner || level > Elite {
		level = Beginner
	}
	return build(level, frequency, week, day), nil
}

// build assumes valid coordinates.
func build(level Level, frequency, week, day int) Session {
	t := level.tier()
	typ := sessionTypeFor(frequency, week, day)

	s := Session{
		ID:    SessionID(week, day),
		Week:  week,
		Day:   day,
		Type:  typ,
		Focus: focusFor(typ),
	}

	switch typ {
	case Rest:
		s.Notes = "Full rest day."
		return s
	case ActiveRecovery:
		s.Blocks = []RepetitionBlock{{DistanceYards: 60, Reps: 4, Intensity: "60%", RestSeconds: 45}}
		s.Accessories = []string{"Mobility Work", "Flexibility Work"}
		s.Notes = "Easy strides, stay relaxed."
		return s
	case Benchmark:
		s.Blocks = []RepetitionBlock{{DistanceYards: ReferenceDistance, Reps: 1, Intensity: "Max", RestSeconds: 300}}
		s.Accessories = append([]string(nil), t.accessories...)
		s.Notes = fmt.Sprintf("Time trial: record your %d yd time.", ReferenceDistance)
		return s
	case Tempo:
		s.Blocks = []RepetitionBlock{{DistanceYards: 100, Reps: t.baseReps(week) + 2, Intensity: "70%", RestSeconds: 60}}
		s.Accessories = append([]string(nil), t.accessories...)
		return s
	}

	s.Blocks = []RepetitionBlock{buildUp, mainBlock(t, typ, week)}
	s.Accessories = append([]string(nil), t.accessories...)
	return s
}

// buildUp precedes every maximal sprint block.
var buildUp = RepetitionBlock{DistanceYards: 20, Reps: 2, Intensity: "70%", RestSeconds: 60}

func mainBlock(t tier, typ SessionType, week int) RepetitionBlock {
	ds := t.distances
	r := t.baseReps(week)

	var base, reps, rest int
	switch typ {
	case Acceleration:
		base, reps, rest = ds[0], r+1, 90
	case MaxVelocity:
		base, reps, rest = ds[len(ds)-1], max(r-1, 1), 180
	case SpeedEndurance:
		base, reps, rest = ds[len(ds)-1]+20, max((r+1)/2, 1), 240
	default:
		base, reps, rest = ds[len(ds)/2], r, 120
	}

	return RepetitionBlock{
		DistanceYards: overload(base, week),
		Reps:          reps,
		Intensity:     t.band(week),
		RestSeconds:   rest,
	}
}

// overload scales base by 1 + (week-1)*0.05, rounded to the nearest 5 yards.
// Integer math keeps both peers bit-identical.
func overload(base, week int) int {
	return (base*(19+week) + 50) / 100 * 5
}

func focusFor(typ SessionType) string {
	switch typ {
	case Acceleration:
		return "Acceleration Work"
	case MaxVelocity:
		return "Max Velocity"
	case SpeedEndurance:
		return "Speed Endurance"
	case Tempo:
		return "Aerobic Tempo"
	case Benchmark:
		return fmt.Sprintf("%d Yard Time Trial", ReferenceDistance)
	case ActiveRecovery:
		return "Active Recovery"
	case Rest:
		return "Full Rest"
	default:
		return "Speed Development"
	}
}

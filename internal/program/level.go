package program

import (
	"strings"

	"golang.org/x/text/cases"
)

// Level is a training tier. The zero value is Beginner.
type Level int

const (
	Beginner Level = iota
	Intermediate
	Advanced
	Elite
)

var levelNames = [...]string{"Beginner", "Intermediate", "Advanced", "Elite"}

// String returns the display name of the level.
func (l Level) String() string {
	if l < Beginner || l > Elite {
		return levelNames[Beginner]
	}
	return levelNames[l]
}

// ParseLevel maps a user-supplied level name to a Level.
// Matching is case-insensitive. Anything unrecognised is Beginner, the most
// conservative tier, so generation always has a table to work from.
func ParseLevel(s string) Level {
	folded := cases.Fold().String(strings.TrimSpace(s))
	for i, name := range levelNames {
		if cases.Fold().String(name) == folded {
			return Level(i)
		}
	}
	return Beginner
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It never fails.
func (l *Level) UnmarshalText(b []byte) error {
	*l = ParseLevel(string(b))
	return nil
}

// tier holds the per-level tables.
type tier struct {
	distances   []int // base distances in yards, ascending
	reps        []int // base reps per week, non-decreasing
	bands       [3]string
	accessories []string
}

var tiers = [...]tier{
	Beginner: {
		distances:   []int{20, 30, 40},
		reps:        []int{2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7},
		bands:       [3]string{"80%", "85%", "90%"},
		accessories: []string{"Dynamic Warm-up", "Basic Cool-down", "Flexibility Work"},
	},
	Intermediate: {
		distances:   []int{20, 30, 40, 50},
		reps:        []int{3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8},
		bands:       [3]string{"85%", "90%", "95%"},
		accessories: []string{"Dynamic Warm-up", "Activation Drills", "Mobility Work", "Basic Cool-down", "Flexibility Work"},
	},
	Advanced: {
		distances:   []int{30, 40, 50, 60},
		reps:        []int{4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9},
		bands:       [3]string{"90%", "95%", "Max"},
		accessories: []string{"Dynamic Warm-up", "Activation Drills", "Technical Drills", "Recovery Work", "Strength Maintenance"},
	},
	Elite: {
		distances:   []int{40, 50, 60, 75},
		reps:        []int{5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10},
		bands:       [3]string{"90%", "95%", "Max"},
		accessories: []string{"Dynamic Warm-up", "CNS Activation", "Technical Drills", "Recovery Protocols", "Strength Maintenance", "Competition Prep"},
	},
}

func (l Level) tier() tier {
	if l < Beginner || l > Elite {
		return tiers[Beginner]
	}
	return tiers[l]
}

// baseReps returns the rep count for week, holding the last value past the
// end of the table.
func (t tier) baseReps(week int) int {
	i := week - 1
	if i >= len(t.reps) {
		i = len(t.reps) - 1
	}
	return t.reps[i]
}

// band returns the intensity label for week: weeks 1-4, 5-8, then 9 onward.
func (t tier) band(week int) string {
	switch {
	case week <= 4:
		return t.bands[0]
	case week <= 8:
		return t.bands[1]
	default:
		return t.bands[2]
	}
}

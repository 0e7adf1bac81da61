// Package profile supplies the user inputs to program generation: level
// and weekly frequency, plus the name and current week carried in pushed
// batches.
package profile

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/sprintsync/internal/program"
	"github.com/roach88/sprintsync/internal/store"
)

// Defaults used when no profile has ever been seen.
const (
	DefaultLevel     = program.Beginner
	DefaultFrequency = 3
)

// Blob keys for the last profile a peer generated from.
const (
	KeyLevel     = "profile.level"
	KeyFrequency = "profile.frequency"
)

// Profile is the user's training setup.
type Profile struct {
	Name        string        `yaml:"name"`
	Level       program.Level `yaml:"level"`
	Frequency   int           `yaml:"frequency"`
	CurrentWeek int           `yaml:"current_week,omitempty"`
}

// Default returns the profile used on a first launch with no input.
func Default() Profile {
	return Profile{Level: DefaultLevel, Frequency: DefaultFrequency}
}

// Normalize clamps frequency and week into range.
func (p Profile) Normalize() Profile {
	if p.Frequency == 0 {
		p.Frequency = DefaultFrequency
	}
	p.Frequency = program.ClampFrequency(p.Frequency)
	if p.CurrentWeek < 1 {
		p.CurrentWeek = 1
	}
	return p
}

// Params returns generator input for a program of weeks weeks.
func (p Profile) Params(weeks int) program.Params {
	return program.Params{Level: p.Level, Frequency: p.Frequency, Weeks: weeks}.Normalize()
}

// Provider returns the current profile.
type Provider interface {
	Profile(ctx context.Context) (Profile, error)
}

// Static always returns the same profile.
type Static Profile

// Profile implements Provider.
func (s Static) Profile(context.Context) (Profile, error) {
	return Profile(s).Normalize(), nil
}

// SaveLastKnown persists level and frequency so an offline fallback can
// reuse them.
func SaveLastKnown(ctx context.Context, blobs store.Blobs, p Profile) error {
	if err := blobs.Set(ctx, KeyLevel, []byte(p.Level.String())); err != nil {
		return fmt.Errorf("save level: %w", err)
	}
	if err := blobs.Set(ctx, KeyFrequency, []byte(strconv.Itoa(p.Frequency))); err != nil {
		return fmt.Errorf("save frequency: %w", err)
	}
	return nil
}

// LoadLastKnown returns the persisted profile, or false if none was saved.
// An unreadable frequency falls back to the default.
func LoadLastKnown(ctx context.Context, blobs store.Blobs) (Profile, bool, error) {
	level, ok, err := blobs.Get(ctx, KeyLevel)
	if err != nil || !ok {
		return Profile{}, false, err
	}
	p := Profile{Level: program.ParseLevel(string(level)), Frequency: DefaultFrequency}

	raw, ok, err := blobs.Get(ctx, KeyFrequency)
	if err != nil {
		return Profile{}, false, err
	}
	if ok {
		if f, err := strconv.Atoi(string(raw)); err == nil {
			p.Frequency = f
		}
	}
	return p.Normalize(), true, nil
}

// Resolve returns the provider's profile, or the last-known one, or the
// default, in that order. A profile read from the provider is saved as
// last-known.
func Resolve(ctx context.Context, pr Provider, blobs store.Blobs) (Profile, error) {
	if pr != nil {
		if p, err := pr.Profile(ctx); err == nil {
			if err := SaveLastKnown(ctx, blobs, p); err != nil {
				return Profile{}, err
			}
			return p, nil
		}
	}
	p, ok, err := LoadLastKnown(ctx, blobs)
	if err != nil {
		return Profile{}, err
	}
	if ok {
		return p, nil
	}
	return Default().Normalize(), nil
}

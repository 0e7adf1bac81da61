package program

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"Beginner", Beginner},
		{"intermediate", Intermediate},
		{"  ADVANCED ", Advanced},
		{"elite", Elite},
		{"", Beginner},
		{"Pro", Beginner},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLevel_StringOutOfRange(t *testing.T) {
	assert.Equal(t, "Beginner", Level(-1).String())
	assert.Equal(t, "Elite", Elite.String())
}

func TestLevel_YAML(t *testing.T) {
	var doc struct {
		Level Level `yaml:"level"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("level: advanced\n"), &doc))
	assert.Equal(t, Advanced, doc.Level)

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, "level: Advanced\n", string(out))
}

func TestSession_Complete(t *testing.T) {
	s, err := GenerateOne(Beginner, 3, 1, 1)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	done := s.Complete(Result{At: at, Times: []float64{4.9, 4.8}})

	assert.False(t, s.Completed, "original untouched")
	assert.True(t, done.Completed)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, at, *done.CompletedAt)
	assert.Equal(t, []float64{4.9, 4.8}, done.Results)

	fresh := s.WithCompletionFrom(done)
	assert.Equal(t, done, fresh)
}

func TestDigest_ChangesWithCompletion(t *testing.T) {
	sessions := Generate(Params{Level: Beginner, Frequency: 2, Weeks: 2})
	before, err := Digest(sessions)
	require.NoError(t, err)

	sessions[0] = sessions[0].Complete(Result{At: time.Unix(1700000000, 0)})
	after, err := Digest(sessions)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
	assert.Len(t, after, 64)
}

func TestDigest_EmptyAndNilMatch(t *testing.T) {
	a, err := Digest(nil)
	require.NoError(t, err)
	b, err := Digest([]Session{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

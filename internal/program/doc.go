// Package program generates sprint-training programs.
//
// Generation is a pure function of (level, weekly frequency, week, day).
// Both peers run the same tables, so a companion that generates offline
// ends up with the same sessions, ID for ID, as the primary that generated
// the program it would otherwise have received over the wire.
//
// Rules:
//   - Frequency is clamped to [1,7]; unknown levels fall back to Beginner.
//   - Distance, reps and intensity never decrease from one week to the next.
//   - Every 4th week, day 1 is a 40 yd time trial regardless of rotation.
//   - Session IDs depend only on (week, day).
package program

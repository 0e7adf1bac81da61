package testutil

import (
	"context"
	"testing"

	"github.com/roach88/sprintsync/internal/actor"
)

// StartActor runs a on its own goroutine and stops it when the test ends.
func StartActor(t *testing.T, a *actor.Actor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})
}

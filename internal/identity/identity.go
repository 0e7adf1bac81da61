// Package identity holds a peer's stable device ID, its current sync token
// and its role.
//
// The device ID is generated once and persisted for the life of the data
// directory. The sync token names the version of the local program: it is
// regenerated whenever local data changes materially and replaced by the
// owner's token after a successful sync. The remote side only ever compares
// tokens; it never writes ours.
//
// Writes run on the peer's actor. Reads use an immutable snapshot and never
// wait on the writer.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roach88/sprintsync/internal/actor"
	"github.com/roach88/sprintsync/internal/store"
)

// Blob keys.
const (
	KeyDeviceID  = "identity.device_id"
	KeySyncToken = "identity.sync_token"
)

// Role is the part a peer plays in sync.
type Role int

const (
	// Primary owns the program.
	Primary Role = iota + 1
	// Companion mirrors the primary and falls back to local generation.
	Companion
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "primary"
	case Companion:
		return "companion"
	default:
		return "unknown"
	}
}

// ParseRole parses "primary" or "companion", case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return Primary, nil
	case "companion":
		return Companion, nil
	default:
		return 0, fmt.Errorf("unknown role %q: must be primary or companion", s)
	}
}

type snapshot struct {
	deviceID string
	token    string
}

// Identity is the peer's sync identity.
type Identity struct {
	actor    *actor.Actor
	blobs    store.Blobs
	gen      TokenGenerator
	role     Role
	newID    func() string
	logger   *slog.Logger
	snapshot atomic.Pointer[snapshot]
}

// Option configures an Identity.
type Option func(*Identity)

// WithTokenGenerator overrides the UUIDv7 token generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(id *Identity) {
		id.gen = g
	}
}

// WithDeviceIDSource overrides how a first-run device ID is made.
func WithDeviceIDSource(f func() string) Option {
	return func(id *Identity) {
		id.newID = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(id *Identity) {
		id.logger = l
	}
}

// Load reads the identity from blobs, creating and persisting a device ID
// and a first token when missing.
//
// Load touches blobs directly, so call it before the identity is shared.
func Load(ctx context.Context, a *actor.Actor, blobs store.Blobs, role Role, opts ...Option) (*Identity, error) {
	id := &Identity{
		actor:  a,
		blobs:  blobs,
		gen:    UUIDv7Generator{},
		role:   role,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(id)
	}

	deviceID, err := id.loadOrCreate(ctx, KeyDeviceID, id.newID)
	if err != nil {
		return nil, err
	}
	token, err := id.loadOrCreate(ctx, KeySyncToken, func() string { return id.mint(deviceID) })
	if err != nil {
		return nil, err
	}

	id.snapshot.Store(&snapshot{deviceID: deviceID, token: token})
	id.logger.Debug("identity loaded", "device", deviceID, "role", role, "token", token)
	return id, nil
}

func (id *Identity) loadOrCreate(ctx context.Context, key string, create func() string) (string, error) {
	v, ok, err := id.blobs.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	if ok && len(v) > 0 {
		return string(v), nil
	}
	value := create()
	if err := id.blobs.Set(ctx, key, []byte(value)); err != nil {
		return "", fmt.Errorf("persist %s: %w", key, err)
	}
	return value, nil
}

// mint makes a token of the form <deviceID>-<generated>.
func (id *Identity) mint(deviceID string) string {
	return deviceID + "-" + id.gen.Generate()
}

// DeviceID returns the persisted device ID.
func (id *Identity) DeviceID() string {
	return id.snapshot.Load().deviceID
}

// Token returns the current sync token.
func (id *Identity) Token() string {
	return id.snapshot.Load().token
}

// Role returns the peer's role.
func (id *Identity) Role() Role {
	return id.role
}

// Matches reports whether token equals ours.
func (id *Identity) Matches(token string) bool {
	return token != "" && token == id.Token()
}

// Regenerate mints, persists and publishes a new token.
func (id *Identity) Regenerate(ctx context.Context) (string, error) {
	var token string
	err := id.actor.Do(ctx, func(ctx context.Context) error {
		token = id.mint(id.DeviceID())
		return id.setToken(ctx, token)
	})
	if err != nil {
		return "", err
	}
	id.logger.Debug("sync token regenerated", "device", id.DeviceID(), "token", token)
	return token, nil
}

// Adopt takes the owner's token after a successful sync.
func (id *Identity) Adopt(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("adopt: empty token")
	}
	return id.actor.Do(ctx, func(ctx context.Context) error {
		return id.setToken(ctx, token)
	})
}

// setToken must run on the actor.
func (id *Identity) setToken(ctx context.Context, token string) error {
	if err := id.blobs.Set(ctx, KeySyncToken, []byte(token)); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	cur := id.snapshot.Load()
	id.snapshot.Store(&snapshot{deviceID: cur.deviceID, token: token})
	return nil
}

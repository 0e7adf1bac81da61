package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sprintsync/internal/actor"
	"github.com/roach88/sprintsync/internal/store"
	"github.com/roach88/sprintsync/internal/testutil"
)

func newTestIdentity(t *testing.T, blobs store.Blobs, role Role) *Identity {
	t.Helper()
	a := actor.New("test")
	testutil.StartActor(t, a)

	id, err := Load(context.Background(), a, blobs, role,
		WithTokenGenerator(testutil.NewSequenceGenerator("tok")),
		WithDeviceIDSource(func() string { return "dev-a" }),
	)
	require.NoError(t, err)
	return id
}

func TestLoad_FirstRunPersists(t *testing.T) {
	blobs := store.NewMemory()
	id := newTestIdentity(t, blobs, Companion)

	assert.Equal(t, "dev-a", id.DeviceID())
	assert.Equal(t, "dev-a-tok-1", id.Token())
	assert.Equal(t, Companion, id.Role())

	v, ok, err := blobs.Get(context.Background(), KeyDeviceID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dev-a", string(v))
}

func TestLoad_ReusesPersistedValues(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewMemory()
	require.NoError(t, blobs.Set(ctx, KeyDeviceID, []byte("dev-old")))
	require.NoError(t, blobs.Set(ctx, KeySyncToken, []byte("dev-old-tok-9")))

	id := newTestIdentity(t, blobs, Primary)
	assert.Equal(t, "dev-old", id.DeviceID())
	assert.Equal(t, "dev-old-tok-9", id.Token())
}

func TestLoad_DefaultSources(t *testing.T) {
	a := actor.New("test")
	testutil.StartActor(t, a)

	id, err := Load(context.Background(), a, store.NewMemory(), Primary)
	require.NoError(t, err)

	_, err = uuid.Parse(id.DeviceID())
	assert.NoError(t, err, "device id is a uuid")
	assert.True(t, strings.HasPrefix(id.Token(), id.DeviceID()+"-"))
}

func TestRegenerate(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewMemory()
	id := newTestIdentity(t, blobs, Primary)

	tok, err := id.Regenerate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev-a-tok-2", tok)
	assert.Equal(t, tok, id.Token())

	v, _, err := blobs.Get(ctx, KeySyncToken)
	require.NoError(t, err)
	assert.Equal(t, tok, string(v))
}

func TestAdoptAndMatches(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t, store.NewMemory(), Companion)

	assert.False(t, id.Matches("dev-b-tok-1"))
	require.NoError(t, id.Adopt(ctx, "dev-b-tok-1"))
	assert.True(t, id.Matches("dev-b-tok-1"))
	assert.Equal(t, "dev-a", id.DeviceID(), "adopting never changes device id")

	assert.Error(t, id.Adopt(ctx, ""))
	assert.False(t, id.Matches(""))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Primary ")
	require.NoError(t, err)
	assert.Equal(t, Primary, r)

	r, err = ParseRole("companion")
	require.NoError(t, err)
	assert.Equal(t, Companion, r)
	assert.Equal(t, "companion", r.String())

	_, err = ParseRole("watch")
	assert.Error(t, err)
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.NotEqual(t, a, b)

	u, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
}

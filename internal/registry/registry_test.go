package registry

import (
	"testing"

	"github.com/huskyhao/ScreenShare/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubLiveness reports every connection live except the listed ones.
type stubLiveness struct {
	dead map[domain.ConnID]bool
}

func (s *stubLiveness) IsConnected(id domain.ConnID) bool {
	return !s.dead[id]
}

func newTestRegistry() (*Registry, *stubLiveness) {
	liveness := &stubLiveness{dead: make(map[domain.ConnID]bool)}
	return New(liveness, zap.NewNop()), liveness
}

func TestCreateGeneratesID(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("", "host-1")
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, r.Len())

	session, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.ConnID("host-1"), session.Host)
	assert.Empty(t, session.Viewers)
}

func TestCreateKeepsRequestedID(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("my-screen", "host-1")
	assert.Equal(t, domain.SessionID("my-screen"), id)
}

func TestCreateSameOwnerIsReconnect(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("my-screen", "host-1")
	_, err := r.Join(id, "viewer-1")
	require.NoError(t, err)

	again := r.Create("my-screen", "host-1")
	assert.Equal(t, id, again)
	assert.Equal(t, 1, r.Len())

	// The viewer set survives the reconnect.
	session, ok := r.Get(id)
	require.True(t, ok)
	assert.True(t, session.HasViewer("viewer-1"))
}

func TestCreateCollisionMintsNewID(t *testing.T) {
	r, _ := newTestRegistry()

	first := r.Create("my-screen", "host-1")
	second := r.Create("my-screen", "host-2")

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, r.Len())

	// The original session is untouched.
	session, ok := r.Get(first)
	require.True(t, ok)
	assert.Equal(t, domain.ConnID("host-1"), session.Host)
}

func TestJoinUnknownSession(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.Join("nope", "viewer-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestJoinReturnsHost(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("", "host-1")
	host, err := r.Join(id, "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnID("host-1"), host)

	session, _ := r.Get(id)
	assert.True(t, session.HasViewer("viewer-1"))
}

func TestJoinEvictsOrphanedSession(t *testing.T) {
	r, liveness := newTestRegistry()

	id := r.Create("", "host-1")
	liveness.dead["host-1"] = true

	_, err := r.Join(id, "viewer-1")
	assert.ErrorIs(t, err, domain.ErrHostUnreachable)
	assert.Equal(t, 0, r.Len())

	// The orphan was evicted, so the second attempt sees not-found.
	_, err = r.Join(id, "viewer-2")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestEndByHost(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("", "host-1")
	_, err := r.Join(id, "viewer-1")
	require.NoError(t, err)
	_, err = r.Join(id, "viewer-2")
	require.NoError(t, err)

	viewers, ended := r.End(id, "host-1")
	assert.True(t, ended)
	assert.ElementsMatch(t, []domain.ConnID{"viewer-1", "viewer-2"}, viewers)
	assert.Equal(t, 0, r.Len())
}

func TestEndByNonHostIsNoOp(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("", "host-1")
	_, err := r.Join(id, "viewer-1")
	require.NoError(t, err)

	viewers, ended := r.End(id, "viewer-1")
	assert.False(t, ended)
	assert.Nil(t, viewers)
	assert.Equal(t, 1, r.Len())
}

func TestEndUnknownSession(t *testing.T) {
	r, _ := newTestRegistry()

	_, ended := r.End("nope", "host-1")
	assert.False(t, ended)
}

func TestRemoveConnectionAsHost(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("", "host-1")
	_, err := r.Join(id, "viewer-1")
	require.NoError(t, err)

	ended, left := r.RemoveConnection("host-1")
	require.Len(t, ended, 1)
	assert.Equal(t, id, ended[0].ID)
	assert.Equal(t, []domain.ConnID{"viewer-1"}, ended[0].Viewers)
	assert.Empty(t, left)
	assert.Equal(t, 0, r.Len())
}

func TestRemoveConnectionAsViewer(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("", "host-1")
	_, err := r.Join(id, "viewer-1")
	require.NoError(t, err)

	ended, left := r.RemoveConnection("viewer-1")
	assert.Empty(t, ended)
	require.Len(t, left, 1)
	assert.Equal(t, id, left[0].ID)
	assert.Equal(t, domain.ConnID("host-1"), left[0].Host)

	session, ok := r.Get(id)
	require.True(t, ok)
	assert.False(t, session.HasViewer("viewer-1"))
}

func TestRemoveConnectionMixedRoles(t *testing.T) {
	r, _ := newTestRegistry()

	// conn-1 hosts one session and watches another.
	hosted := r.Create("", "conn-1")
	watched := r.Create("", "conn-2")
	_, err := r.Join(watched, "conn-1")
	require.NoError(t, err)

	ended, left := r.RemoveConnection("conn-1")
	require.Len(t, ended, 1)
	assert.Equal(t, hosted, ended[0].ID)
	require.Len(t, left, 1)
	assert.Equal(t, watched, left[0].ID)
	assert.Equal(t, 1, r.Len())
}

func TestRemoveUnknownConnection(t *testing.T) {
	r, _ := newTestRegistry()

	r.Create("", "host-1")
	ended, left := r.RemoveConnection("stranger")
	assert.Empty(t, ended)
	assert.Empty(t, left)
	assert.Equal(t, 1, r.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("", "host-1")
	session, ok := r.Get(id)
	require.True(t, ok)

	// Mutating the copy must not leak into registry state.
	session.Viewers["intruder"] = struct{}{}
	fresh, _ := r.Get(id)
	assert.False(t, fresh.HasViewer("intruder"))
}

package userinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupv1d/pkg/storage"
)

func newTestIndex(t *testing.T) storage.Index {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	index, err := store.Index("users")
	require.NoError(t, err)
	return index
}

func TestAddRemoveUser(t *testing.T) {
	u := New()
	require.NoError(t, u.Start(nil, newTestIndex(t)))

	require.NoError(t, u.AddUser(Options{Name: "alice", SecretHash: "xyz"}))
	assert.True(t, u.HasUser("alice"))
	assert.Error(t, u.AddUser(Options{Name: "alice"}))

	require.NoError(t, u.RemoveUser("alice"))
	assert.False(t, u.HasUser("alice"))
}

func TestRemoveUserRejectedWhileBound(t *testing.T) {
	u := New()
	require.NoError(t, u.Start(nil, newTestIndex(t)))
	require.NoError(t, u.AddUser(Options{Name: "bob"}))
	require.NoError(t, u.BindTarget("bob", "tgt0"))
	assert.Error(t, u.RemoveUser("bob"))
}

func TestBindUnbindAndLookupByTarget(t *testing.T) {
	u := New()
	require.NoError(t, u.Start(nil, newTestIndex(t)))
	require.NoError(t, u.AddUser(Options{Name: "carol"}))
	require.NoError(t, u.BindTarget("carol", "tgt0"))
	assert.Error(t, u.BindTarget("carol", "tgt0")) // duplicate

	names := u.GetUsersInTarget("tgt0")
	assert.Equal(t, []string{"carol"}, names)

	require.NoError(t, u.UnbindTarget("carol", "tgt0"))
	assert.Empty(t, u.GetUsersInTarget("tgt0"))
}

func TestRebindUserTarget(t *testing.T) {
	u := New()
	require.NoError(t, u.Start(nil, newTestIndex(t)))
	require.NoError(t, u.AddUser(Options{Name: "dave"}))
	require.NoError(t, u.BindTarget("dave", "old"))

	require.NoError(t, u.RebindUserTarget("dave", "old", "new"))
	assert.Equal(t, []string{"dave"}, u.GetUsersInTarget("new"))
	assert.Empty(t, u.GetUsersInTarget("old"))
}

func TestRemovePreconfiguredUserRejected(t *testing.T) {
	u := New()
	require.NoError(t, u.Start([]Options{{Name: "static0"}}, newTestIndex(t)))
	assert.Error(t, u.RemoveUser("static0"))
}

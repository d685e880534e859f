package groupinfo

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
	index, err := store.Index("groups")
	require.NoError(t, err)
	return index
}

func TestStartRegistersPreconfigured(t *testing.T) {
	g := New()
	require.NoError(t, g.Start([]Options{{Name: "static0"}}, newTestIndex(t)))
	assert.True(t, g.HasGroup("static0"))
}

func TestAddRemoveDynamicGroup(t *testing.T) {
	g := New()
	require.NoError(t, g.Start(nil, newTestIndex(t)))

	require.NoError(t, g.AddGroup(Options{Name: "g0"}))
	assert.True(t, g.HasGroup("g0"))
	assert.Error(t, g.AddGroup(Options{Name: "g0"}))

	require.NoError(t, g.RemoveGroup("g0"))
	assert.False(t, g.HasGroup("g0"))
}

func TestRemovePreconfiguredGroupRejected(t *testing.T) {
	g := New()
	require.NoError(t, g.Start([]Options{{Name: "static0"}}, newTestIndex(t)))
	assert.Error(t, g.RemoveGroup("static0"))
}

func TestPersistedGroupsSurviveRestart(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	index, err := store.Index("groups")
	require.NoError(t, err)

	g1 := New()
	require.NoError(t, g1.Start(nil, index))
	require.NoError(t, g1.AddGroup(Options{Name: "dyn0"}))

	g2 := New()
	require.NoError(t, g2.Start(nil, index))
	assert.True(t, g2.HasGroup("dyn0"))
}

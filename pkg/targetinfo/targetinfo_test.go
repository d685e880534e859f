package targetinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupv1d/pkg/storage"
	"github.com/dedupv1/dedupv1d/pkg/userinfo"
)

func newTestIndex(t *testing.T) storage.Index {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	index, err := store.Index("targets")
	require.NoError(t, err)
	return index
}

type fakeRebinder struct {
	oldName, newName string
	err              error
	called           bool
}

func (f *fakeRebinder) RebindTarget(oldName, newName string) error {
	f.called = true
	f.oldName = oldName
	f.newName = newName
	return f.err
}

func TestStartRegistersPreconfigured(t *testing.T) {
	ti := New(nil)
	require.NoError(t, ti.Start([]Options{{TID: 1, Name: "iqn.static"}}, newTestIndex(t)))
	assert.True(t, ti.HasTarget("iqn.static"))
}

func TestAddTargetRejectsTIDZero(t *testing.T) {
	ti := New(nil)
	require.NoError(t, ti.Start(nil, newTestIndex(t)))
	assert.Error(t, ti.AddTarget(Options{TID: 0, Name: "iqn.zero"}))
}

func TestAddRemoveDynamicTarget(t *testing.T) {
	ti := New(nil)
	require.NoError(t, ti.Start(nil, newTestIndex(t)))

	require.NoError(t, ti.AddTarget(Options{TID: 5, Name: "iqn.t0"}))
	assert.True(t, ti.HasTarget("iqn.t0"))
	assert.Error(t, ti.AddTarget(Options{TID: 5, Name: "iqn.other"}))
	assert.Error(t, ti.AddTarget(Options{TID: 6, Name: "iqn.t0"}))

	require.NoError(t, ti.RemoveTarget(5))
	assert.False(t, ti.HasTarget("iqn.t0"))
}

func TestRemovePreconfiguredTargetRejected(t *testing.T) {
	ti := New(nil)
	require.NoError(t, ti.Start([]Options{{TID: 1, Name: "iqn.static"}}, newTestIndex(t)))
	assert.Error(t, ti.RemoveTarget(1))
}

func TestChangeTargetParamsRenamesAndRebinds(t *testing.T) {
	users := userinfo.New()
	require.NoError(t, users.Start(nil, newIndexFor(t, "users")))
	require.NoError(t, users.AddUser(userinfo.Options{Name: "alice"}))
	require.NoError(t, users.BindTarget("alice", "iqn.old"))

	ti := New(users)
	require.NoError(t, ti.Start(nil, newTestIndex(t)))
	require.NoError(t, ti.AddTarget(Options{TID: 1, Name: "iqn.old"}))

	rb := &fakeRebinder{}
	require.NoError(t, ti.ChangeTargetParams(1, "iqn.new", []Param{{Name: "MaxConnections", Value: "1"}}, rb))

	assert.True(t, rb.called)
	assert.Equal(t, "iqn.old", rb.oldName)
	assert.Equal(t, "iqn.new", rb.newName)
	assert.False(t, ti.HasTarget("iqn.old"))
	assert.True(t, ti.HasTarget("iqn.new"))
	assert.Equal(t, []string{"alice"}, users.GetUsersInTarget("iqn.new"))
	assert.Empty(t, users.GetUsersInTarget("iqn.old"))
}

func TestChangeTargetParamsAbortsOnRebindFailure(t *testing.T) {
	ti := New(nil)
	require.NoError(t, ti.Start(nil, newTestIndex(t)))
	require.NoError(t, ti.AddTarget(Options{TID: 1, Name: "iqn.old"}))

	rb := &fakeRebinder{err: assertErr{}}
	err := ti.ChangeTargetParams(1, "iqn.new", nil, rb)
	assert.Error(t, err)
	assert.True(t, ti.HasTarget("iqn.old"))
	assert.False(t, ti.HasTarget("iqn.new"))
}

func TestChangeTargetParamsRejectsDuplicateName(t *testing.T) {
	ti := New(nil)
	require.NoError(t, ti.Start(nil, newTestIndex(t)))
	require.NoError(t, ti.AddTarget(Options{TID: 1, Name: "iqn.a"}))
	require.NoError(t, ti.AddTarget(Options{TID: 2, Name: "iqn.b"}))
	assert.Error(t, ti.ChangeTargetParams(1, "iqn.b", nil, nil))
}

func TestPersistedTargetsSurviveRestart(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	index, err := store.Index("targets")
	require.NoError(t, err)

	t1 := New(nil)
	require.NoError(t, t1.Start(nil, index))
	require.NoError(t, t1.AddTarget(Options{TID: 9, Name: "iqn.dyn"}))

	t2 := New(nil)
	require.NoError(t, t2.Start(nil, index))
	assert.True(t, t2.HasTarget("iqn.dyn"))
}

type assertErr struct{}

func (assertErr) Error() string { return "forced rebind failure" }

func newIndexFor(t *testing.T, name string) storage.Index {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	index, err := store.Index(name)
	require.NoError(t, err)
	return index
}

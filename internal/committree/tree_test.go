package committree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/internal/ids"
)

func TestNewTreeHasDeterministicGenesisRoot(t *testing.T) {
	account := ids.NewAccountID()
	t1 := NewTree(account)
	t2 := NewTree(account)
	require.Equal(t, t1.CurrentCommitment(), t2.CurrentCommitment())
	require.Equal(t, ids.InitialEpoch, t1.CurrentEpoch())
}

func TestInsertLeafChangesRootCommitment(t *testing.T) {
	tree := NewTree(ids.NewAccountID())
	before := tree.CurrentCommitment()

	leaf := Leaf{LeafID: 1, Kind: LeafDevice, DeviceID: ids.NewDeviceID(), PublicKey: []byte("device-pubkey")}
	require.NoError(t, tree.InsertLeaf(leaf, 0))
	tree.RecomputeCommitments(tree.AffectedNodes("AddLeaf", 0, nil))

	require.NotEqual(t, before, tree.CurrentCommitment())

	got, ok := tree.GetLeaf(1)
	require.True(t, ok)
	require.Equal(t, leaf.DeviceID, got.DeviceID)
}

func TestInsertLeafRejectsDuplicateID(t *testing.T) {
	tree := NewTree(ids.NewAccountID())
	leaf := Leaf{LeafID: 1, Kind: LeafDevice, PublicKey: []byte("a")}
	require.NoError(t, tree.InsertLeaf(leaf, 0))
	err := tree.InsertLeaf(leaf, 0)
	require.Error(t, err)
}

func TestInsertLeafRejectsFullBranch(t *testing.T) {
	tree := NewTree(ids.NewAccountID())
	require.NoError(t, tree.InsertLeaf(Leaf{LeafID: 1, PublicKey: []byte("a")}, 0))
	require.NoError(t, tree.InsertLeaf(Leaf{LeafID: 2, PublicKey: []byte("b")}, 0))
	err := tree.InsertLeaf(Leaf{LeafID: 3, PublicKey: []byte("c")}, 0)
	require.Error(t, err)
}

func TestRemoveLeafDetachesAndClearsCommitment(t *testing.T) {
	tree := NewTree(ids.NewAccountID())
	require.NoError(t, tree.InsertLeaf(Leaf{LeafID: 1, PublicKey: []byte("a")}, 0))
	tree.RecomputeCommitments(nil)
	withLeaf := tree.CurrentCommitment()

	require.NoError(t, tree.RemoveLeaf(1))
	tree.RecomputeCommitments(nil)
	withoutLeaf := tree.CurrentCommitment()

	require.NotEqual(t, withLeaf, withoutLeaf)
	_, ok := tree.GetLeaf(1)
	require.False(t, ok)

	err := tree.RemoveLeaf(1)
	require.Error(t, err)
}

func TestSetPolicyEnforcesMonotonicity(t *testing.T) {
	tree := NewTree(ids.NewAccountID())
	require.NoError(t, tree.SetPolicy(0, ThresholdPolicy(2, 3)))
	require.NoError(t, tree.SetPolicy(0, AllPolicy()))

	err := tree.SetPolicy(0, ThresholdPolicy(1, 3))
	require.Error(t, err, "weakening All back to Threshold must be rejected")
}

func TestIncrementEpochAdvancesByExactlyOne(t *testing.T) {
	tree := NewTree(ids.NewAccountID())
	require.Equal(t, ids.Epoch(0), tree.CurrentEpoch())
	tree.IncrementEpoch()
	require.Equal(t, ids.Epoch(1), tree.CurrentEpoch())
	tree.IncrementEpoch()
	require.Equal(t, ids.Epoch(2), tree.CurrentEpoch())
}

func TestSnapshotRestoreRoundTrips(t *testing.T) {
	tree := NewTree(ids.NewAccountID())
	require.NoError(t, tree.InsertLeaf(Leaf{LeafID: 1, PublicKey: []byte("a")}, 0))
	tree.RecomputeCommitments(nil)
	snap := tree.Snapshot()
	rootBefore := tree.CurrentCommitment()

	require.NoError(t, tree.InsertLeaf(Leaf{LeafID: 2, PublicKey: []byte("b")}, 0))
	tree.RecomputeCommitments(nil)
	require.NotEqual(t, rootBefore, tree.CurrentCommitment())

	tree.Restore(snap)
	require.Equal(t, rootBefore, tree.CurrentCommitment())
	_, ok := tree.GetLeaf(2)
	require.False(t, ok, "restore must roll back the second leaf")
}

func TestPolicyLatticeOrdering(t *testing.T) {
	require.True(t, AnyPolicy().LessOrEqual(ThresholdPolicy(2, 3)))
	require.True(t, ThresholdPolicy(2, 3).LessOrEqual(AllPolicy()))
	require.False(t, AllPolicy().LessOrEqual(ThresholdPolicy(2, 3)))
	require.True(t, ThresholdPolicy(1, 3).LessOrEqual(ThresholdPolicy(2, 2)))
	require.False(t, ThresholdPolicy(2, 2).LessOrEqual(ThresholdPolicy(1, 3)))
}

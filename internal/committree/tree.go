package committree

import (
	"fmt"
	"sort"

	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

// LeafKind tags which identity a leaf represents.
type LeafKind uint8

const (
	LeafDevice LeafKind = iota
	LeafGuardian
)

// Leaf is a device or guardian's admission into the tree.
type Leaf struct {
	LeafID       uint32
	Kind         LeafKind
	DeviceID     ids.DeviceID   // valid when Kind == LeafDevice
	GuardianID   ids.GuardianID // valid when Kind == LeafGuardian
	PublicKey    []byte
	AddedAtEpoch ids.Epoch
}

func (l Leaf) commit() cryptoprim.Hash32 {
	pubkeyHash := cryptoprim.Sum32("LEAF_PUBKEY", l.PublicKey)
	h := cryptoprim.NewHasher("LEAF")
	h.WriteU16(1) // version v1
	h.WriteU32(l.LeafID)
	h.WriteU64(uint64(l.AddedAtEpoch))
	h.WriteBytes(pubkeyHash[:])
	return h.Sum()
}

// Branch is a policy-bearing interior node. Children are ordered by
// NodeIndex; LeftCommitment/RightCommitment are the commitments of its two
// children (the tree is a binary commitment structure; a branch may also
// gate a single leaf by leaving RightCommitment as the identity/zero hash).
type Branch struct {
	NodeIndex       uint32
	Policy          Policy
	ParentIndex     *uint32 // nil for the root branch
	LeftChild       *uint32 // node index of left child branch, nil if leaf-only
	RightChild      *uint32
	LeftLeaf        *uint32 // leaf id, mutually exclusive with LeftChild
	RightLeaf       *uint32
	LeftCommitment  cryptoprim.Hash32
	RightCommitment cryptoprim.Hash32
	Epoch           ids.Epoch
}

func (b Branch) commit() cryptoprim.Hash32 {
	policyHash := b.Policy.Hash()
	h := cryptoprim.NewHasher("BRANCH")
	h.WriteU16(1)
	h.WriteU32(b.NodeIndex)
	h.WriteU64(uint64(b.Epoch))
	h.WriteBytes(policyHash[:])
	h.WriteBytes(b.LeftCommitment[:])
	h.WriteBytes(b.RightCommitment[:])
	return h.Sum()
}

// Tree is the commitment-tree state for a single account. All mutation
// happens through the methods below; applier.ApplyVerified is the only
// expected caller in production, but the methods are independently usable
// in tests.
type Tree struct {
	AccountID ids.AccountID
	Epoch     ids.Epoch

	leaves   map[uint32]*Leaf
	branches map[uint32]*Branch
	rootIdx  uint32

	commitments map[uint32]cryptoprim.Hash32 // branch_commit, keyed by node index
	leafCommits map[uint32]cryptoprim.Hash32 // leaf_commit, keyed by leaf id
	rootCommit  cryptoprim.Hash32
}

// NewTree builds an empty tree with a single root branch under policy
// AnyPolicy at epoch 0.
func NewTree(account ids.AccountID) *Tree {
	t := &Tree{
		AccountID:   account,
		Epoch:       ids.InitialEpoch,
		leaves:      make(map[uint32]*Leaf),
		branches:    make(map[uint32]*Branch),
		commitments: make(map[uint32]cryptoprim.Hash32),
		leafCommits: make(map[uint32]cryptoprim.Hash32),
		rootIdx:     0,
	}
	t.branches[0] = &Branch{NodeIndex: 0, Policy: AnyPolicy(), Epoch: ids.InitialEpoch}
	t.recomputeAll()
	return t
}

func (t *Tree) GetLeaf(id uint32) (*Leaf, bool)     { l, ok := t.leaves[id]; return l, ok }
func (t *Tree) GetBranch(id uint32) (*Branch, bool) { b, ok := t.branches[id]; return b, ok }

func (t *Tree) GetParent(nodeIndex uint32) (*Branch, bool) {
	b, ok := t.branches[nodeIndex]
	if !ok || b.ParentIndex == nil {
		return nil, false
	}
	p, ok := t.branches[*b.ParentIndex]
	return p, ok
}

func (t *Tree) GetChildren(nodeIndex uint32) []uint32 {
	b, ok := t.branches[nodeIndex]
	if !ok {
		return nil
	}
	var out []uint32
	if b.LeftChild != nil {
		out = append(out, *b.LeftChild)
	}
	if b.RightChild != nil {
		out = append(out, *b.RightChild)
	}
	return out
}

func (t *Tree) CurrentCommitment() cryptoprim.Hash32 { return t.rootCommit }
func (t *Tree) CurrentEpoch() ids.Epoch              { return t.Epoch }

// SigningWitness is what applier needs to verify the aggregate signature
// authorizing an operation against node: the group public key and
// threshold implied by node's policy (for non-threshold policies the
// applier still uses the account's group key but enforces the lattice
// rule on the policy itself, not the key).
type SigningWitness struct {
	GroupPublicKey []byte
	Threshold      uint16
	Total          uint16
}

// InsertLeaf adds leaf as a child of under (a branch node index). Returns
// an error if leaf.LeafID is already present.
func (t *Tree) InsertLeaf(leaf Leaf, under uint32) error {
	if _, exists := t.leaves[leaf.LeafID]; exists {
		return fmt.Errorf("committree: leaf %d already present", leaf.LeafID)
	}
	parent, ok := t.branches[under]
	if !ok {
		return fmt.Errorf("committree: branch %d not found", under)
	}
	id := leaf.LeafID
	if parent.LeftLeaf == nil && parent.LeftChild == nil {
		parent.LeftLeaf = &id
	} else if parent.RightLeaf == nil && parent.RightChild == nil {
		parent.RightLeaf = &id
	} else {
		return fmt.Errorf("committree: branch %d has no free child slot", under)
	}
	t.leaves[leaf.LeafID] = &leaf
	return nil
}

// RemoveLeaf tombstones leaf by detaching it from whichever branch
// references it. Returns an error if absent.
func (t *Tree) RemoveLeaf(leafID uint32) error {
	if _, ok := t.leaves[leafID]; !ok {
		return fmt.Errorf("committree: leaf %d not found", leafID)
	}
	for _, b := range t.branches {
		if b.LeftLeaf != nil && *b.LeftLeaf == leafID {
			b.LeftLeaf = nil
		}
		if b.RightLeaf != nil && *b.RightLeaf == leafID {
			b.RightLeaf = nil
		}
	}
	delete(t.leaves, leafID)
	delete(t.leafCommits, leafID)
	return nil
}

// SetPolicy enforces monotonicity: new must be >= old in the lattice.
func (t *Tree) SetPolicy(node uint32, newPolicy Policy) error {
	b, ok := t.branches[node]
	if !ok {
		return fmt.Errorf("committree: branch %d not found", node)
	}
	if !b.Policy.LessOrEqual(newPolicy) {
		return fmt.Errorf("committree: policy weakening rejected: %s -> %s", b.Policy, newPolicy)
	}
	b.Policy = newPolicy
	return nil
}

// IncrementEpoch is the only operation allowed to advance Epoch, and it
// does so by exactly 1, clearing the policy-monotonicity constraint.
func (t *Tree) IncrementEpoch() {
	t.Epoch = t.Epoch.Next()
}

// AffectedNodes computes the node set a given operation touches directly,
// per spec.md §4.1 step 1: AddLeaf/RemoveLeaf affect their parent,
// ChangePolicy affects the named node, RotateEpoch affects its list.
func (t *Tree) AffectedNodes(opKind string, node uint32, rotateAffected []uint32) []uint32 {
	switch opKind {
	case "AddLeaf", "RemoveLeaf":
		return []uint32{node}
	case "ChangePolicy":
		return []uint32{node}
	case "RotateEpoch":
		return rotateAffected
	default:
		return nil
	}
}

// RecomputeCommitments walks upward from every node in affected,
// collecting ancestors, then recomputes branch commitments bottom-up
// (deepest first) before recomputing the root. An empty affected set
// triggers a full recomputation.
func (t *Tree) RecomputeCommitments(affected []uint32) {
	if len(affected) == 0 {
		t.recomputeAll()
		return
	}
	toRecompute := make(map[uint32]int) // node index -> depth
	for _, n := range affected {
		t.collectAncestors(n, toRecompute)
	}
	// Process in decreasing depth order (deepest first) so a parent's
	// commitment is computed from already-fresh children.
	ordered := make([]uint32, 0, len(toRecompute))
	for n := range toRecompute {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool { return toRecompute[ordered[i]] > toRecompute[ordered[j]] })
	for _, n := range ordered {
		t.recomputeLeafCommitsFor(n)
		b := t.branches[n]
		b.LeftCommitment = t.childCommitment(b.LeftChild, b.LeftLeaf)
		b.RightCommitment = t.childCommitment(b.RightChild, b.RightLeaf)
		t.commitments[n] = b.commit()
	}
	t.recomputeRoot()
}

func (t *Tree) recomputeLeafCommitsFor(nodeIndex uint32) {
	b, ok := t.branches[nodeIndex]
	if !ok {
		return
	}
	if b.LeftLeaf != nil {
		if l, ok := t.leaves[*b.LeftLeaf]; ok {
			t.leafCommits[*b.LeftLeaf] = l.commit()
		}
	}
	if b.RightLeaf != nil {
		if l, ok := t.leaves[*b.RightLeaf]; ok {
			t.leafCommits[*b.RightLeaf] = l.commit()
		}
	}
}

func (t *Tree) childCommitment(childBranch, childLeaf *uint32) cryptoprim.Hash32 {
	if childBranch != nil {
		return t.commitments[*childBranch]
	}
	if childLeaf != nil {
		return t.leafCommits[*childLeaf]
	}
	return cryptoprim.Hash32{}
}

func (t *Tree) collectAncestors(node uint32, depths map[uint32]int) {
	chain := []uint32{node}
	cur := node
	for {
		b, ok := t.branches[cur]
		if !ok || b.ParentIndex == nil {
			break
		}
		cur = *b.ParentIndex
		chain = append(chain, cur)
	}
	// Depth is measured from the root so that "deeper" means farther from it.
	for i, n := range chain {
		depths[n] = len(chain) - 1 - i
	}
}

func (t *Tree) recomputeAll() {
	// Depth-first from the root, deepest first: compute every leaf
	// commitment, then fold branches bottom-up by repeatedly visiting in
	// decreasing subtree depth.
	depths := make(map[uint32]int)
	var walk func(n uint32, depth int)
	walk = func(n uint32, depth int) {
		depths[n] = depth
		b, ok := t.branches[n]
		if !ok {
			return
		}
		if b.LeftChild != nil {
			walk(*b.LeftChild, depth+1)
		}
		if b.RightChild != nil {
			walk(*b.RightChild, depth+1)
		}
	}
	walk(t.rootIdx, 0)

	ordered := make([]uint32, 0, len(depths))
	for n := range depths {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool { return depths[ordered[i]] > depths[ordered[j]] })

	for id, l := range t.leaves {
		t.leafCommits[id] = l.commit()
	}
	for _, n := range ordered {
		b := t.branches[n]
		b.LeftCommitment = t.childCommitment(b.LeftChild, b.LeftLeaf)
		b.RightCommitment = t.childCommitment(b.RightChild, b.RightLeaf)
		t.commitments[n] = b.commit()
	}
	t.recomputeRoot()
}

// recomputeRoot hashes (epoch, sorted branch commitments, sorted leaf
// commitments) per spec.md §3.
func (t *Tree) recomputeRoot() {
	branchKeys := make([]uint32, 0, len(t.commitments))
	for k := range t.commitments {
		branchKeys = append(branchKeys, k)
	}
	sort.Slice(branchKeys, func(i, j int) bool { return branchKeys[i] < branchKeys[j] })

	leafKeys := make([]uint32, 0, len(t.leafCommits))
	for k := range t.leafCommits {
		leafKeys = append(leafKeys, k)
	}
	sort.Slice(leafKeys, func(i, j int) bool { return leafKeys[i] < leafKeys[j] })

	h := cryptoprim.NewHasher("ROOT")
	h.WriteU64(uint64(t.Epoch))
	for _, k := range branchKeys {
		c := t.commitments[k]
		h.WriteBytes(c[:])
	}
	for _, k := range leafKeys {
		c := t.leafCommits[k]
		h.WriteBytes(c[:])
	}
	t.rootCommit = h.Sum()
}

// Snapshot is an opaque deep copy of Tree's mutable state, used by
// internal/applier to roll back a failed ApplyVerified atomically.
type Snapshot struct {
	epoch       ids.Epoch
	leaves      map[uint32]*Leaf
	branches    map[uint32]*Branch
	commitments map[uint32]cryptoprim.Hash32
	leafCommits map[uint32]cryptoprim.Hash32
	rootCommit  cryptoprim.Hash32
}

// Snapshot captures the current tree state for a potential rollback.
func (t *Tree) Snapshot() Snapshot {
	leaves := make(map[uint32]*Leaf, len(t.leaves))
	for k, v := range t.leaves {
		cp := *v
		leaves[k] = &cp
	}
	branches := make(map[uint32]*Branch, len(t.branches))
	for k, v := range t.branches {
		cp := *v
		branches[k] = &cp
	}
	commitments := make(map[uint32]cryptoprim.Hash32, len(t.commitments))
	for k, v := range t.commitments {
		commitments[k] = v
	}
	leafCommits := make(map[uint32]cryptoprim.Hash32, len(t.leafCommits))
	for k, v := range t.leafCommits {
		leafCommits[k] = v
	}
	return Snapshot{
		epoch:       t.Epoch,
		leaves:      leaves,
		branches:    branches,
		commitments: commitments,
		leafCommits: leafCommits,
		rootCommit:  t.rootCommit,
	}
}

// Restore reverts the tree to a previously captured Snapshot.
func (t *Tree) Restore(s Snapshot) {
	t.Epoch = s.epoch
	t.leaves = s.leaves
	t.branches = s.branches
	t.commitments = s.commitments
	t.leafCommits = s.leafCommits
	t.rootCommit = s.rootCommit
}

// SigningWitnessFor returns the account-level signing witness used to
// verify an AttestedOp targeting node. Every node in this account shares
// the same group key; threshold/total come from the account state that
// owns the tree (passed in by the applier), not from the tree itself.
func (t *Tree) SigningWitnessFor(node uint32, groupPublicKey []byte, threshold, total uint16) (SigningWitness, error) {
	if _, ok := t.branches[node]; !ok {
		return SigningWitness{}, fmt.Errorf("committree: node %d not found", node)
	}
	return SigningWitness{GroupPublicKey: groupPublicKey, Threshold: threshold, Total: total}, nil
}

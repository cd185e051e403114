/*
Package applier implements the attested-operation pipeline (spec §4.2):
verify the aggregate FROST signature over an operation's binding message,
check parent-commitment binding, mutate the commitment tree, advance the
epoch if the op is a RotateEpoch, recompute commitments, and validate
tree invariants — rolling back the entire operation on any failure so
ApplyVerified is atomic from the caller's perspective.
*/
package applier

import (
	"fmt"

	"github.com/hxrts/aura/internal/committree"
	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

// TreeOpKind tags the mutation an AttestedOp carries.
type TreeOpKind uint8

const (
	OpAddLeaf TreeOpKind = iota
	OpRemoveLeaf
	OpChangePolicy
	OpRotateEpoch
)

// TreeOp is the unsigned operation body; AttestedOp wraps it with the
// aggregate signature that authorizes it.
type TreeOp struct {
	ParentEpoch      ids.Epoch
	ParentCommitment cryptoprim.Hash32
	Version          uint16

	Kind TreeOpKind

	// AddLeaf / RemoveLeaf
	Leaf  committree.Leaf
	Under uint32 // AddLeaf target branch
	From  uint32 // RemoveLeaf: leaf's parent, used for the signing witness

	// ChangePolicy
	Node      uint32
	NewPolicy committree.Policy

	// RotateEpoch
	Affected []uint32
}

// AttestedOp is a TreeOp plus the FROST aggregate signature authorizing it.
type AttestedOp struct {
	Op         TreeOp
	AggSig     []byte // 64 bytes
	SignerCount uint16
}

// ApplicationError is the error taxonomy for ApplyVerified (spec.md §4.2).
type ApplicationError struct {
	Kind             string // InvalidSignature | ParentBindingMismatch | InvariantViolation | NodeNotFound | LeafNotFound | PolicyWeakening
	ExpectedEpoch    ids.Epoch
	ExpectedCommit   cryptoprim.Hash32
	Reason           string
	Old, New         committree.Policy
}

func (e *ApplicationError) Error() string {
	switch e.Kind {
	case "ParentBindingMismatch":
		return fmt.Sprintf("applier: parent binding mismatch: expected epoch %s commitment %x", e.ExpectedEpoch, e.ExpectedCommit)
	case "InvariantViolation":
		return fmt.Sprintf("applier: invariant violation: %s", e.Reason)
	case "PolicyWeakening":
		return fmt.Sprintf("applier: policy weakening rejected: %s -> %s", e.Old, e.New)
	default:
		return fmt.Sprintf("applier: %s", e.Kind)
	}
}

// signingNode determines which node's policy authorizes this op, per
// spec.md §4.2 step 1.
func signingNode(op TreeOp) uint32 {
	switch op.Kind {
	case OpAddLeaf:
		return op.Under
	case OpRemoveLeaf:
		return op.From
	case OpChangePolicy:
		return op.Node
	case OpRotateEpoch:
		if len(op.Affected) == 0 {
			return 0
		}
		return op.Affected[0]
	}
	return 0
}

// bindingMessage computes the signature-binding digest from spec.md §4.2
// step 1: domain-separated over the signing node, current epoch, its
// policy hash, and the operation's parent-binding fields and kind.
func bindingMessage(t *committree.Tree, nodeID uint32, policyHash cryptoprim.Hash32, op TreeOp) []byte {
	h := cryptoprim.NewHasher("TREE_OP_SIG")
	h.WriteU32(nodeID)
	h.WriteU64(uint64(t.CurrentEpoch()))
	h.WriteBytes(policyHash[:])
	h.WriteU64(uint64(op.ParentEpoch))
	h.WriteBytes(op.ParentCommitment[:])
	h.WriteBytes(serializeOpKind(op))
	digest := h.Sum()
	return digest[:]
}

func serializeOpKind(op TreeOp) []byte {
	h := cryptoprim.NewHasher("TREE_OP_KIND")
	h.WriteU16(op.Version)
	var kindByte [1]byte
	kindByte[0] = byte(op.Kind)
	h.WriteBytes(kindByte[:])
	switch op.Kind {
	case OpAddLeaf:
		h.WriteU32(op.Leaf.LeafID)
		h.WriteU32(op.Under)
	case OpRemoveLeaf:
		h.WriteU32(op.Leaf.LeafID)
		h.WriteU32(op.From)
	case OpChangePolicy:
		h.WriteU32(op.Node)
	case OpRotateEpoch:
		for _, a := range op.Affected {
			h.WriteU32(a)
		}
	}
	digest := h.Sum()
	return digest[:]
}

// ApplyVerified runs the full pipeline of spec.md §4.2 against tree,
// using groupPublicKey/threshold as the account's current signing
// witness. On any error the tree is left exactly as it was found.
func ApplyVerified(t *committree.Tree, attested AttestedOp, groupPublicKey []byte, threshold uint16) error {
	op := attested.Op

	node := signingNode(op)
	branch, ok := t.GetBranch(node)
	if !ok {
		return &ApplicationError{Kind: "NodeNotFound"}
	}
	if attested.SignerCount < threshold {
		return &ApplicationError{Kind: "InvalidSignature", Reason: "signer count below threshold"}
	}

	msg := bindingMessage(t, node, branch.Policy.Hash(), op)
	if !cryptoprim.VerifyEd25519(groupPublicKey, msg, attested.AggSig) {
		return &ApplicationError{Kind: "InvalidSignature"}
	}

	if !(op.ParentEpoch == ids.InitialEpoch) {
		if op.ParentEpoch != t.CurrentEpoch() || op.ParentCommitment != t.CurrentCommitment() {
			return &ApplicationError{
				Kind:           "ParentBindingMismatch",
				ExpectedEpoch:  t.CurrentEpoch(),
				ExpectedCommit: t.CurrentCommitment(),
			}
		}
	}

	// Snapshot for rollback: the tree package holds no external handles,
	// so Snapshot copies its internal maps and epoch, and Restore puts
	// them back, saved commitments included, undoing any partial mutation.
	snapshot := t.Snapshot()

	var affected []uint32
	var mutateErr error
	switch op.Kind {
	case OpAddLeaf:
		if err := t.InsertLeaf(op.Leaf, op.Under); err != nil {
			mutateErr = &ApplicationError{Kind: "InvariantViolation", Reason: err.Error()}
		} else {
			affected = t.AffectedNodes("AddLeaf", op.Under, nil)
		}
	case OpRemoveLeaf:
		if _, ok := t.GetLeaf(op.Leaf.LeafID); !ok {
			mutateErr = &ApplicationError{Kind: "LeafNotFound"}
		} else if err := t.RemoveLeaf(op.Leaf.LeafID); err != nil {
			mutateErr = &ApplicationError{Kind: "InvariantViolation", Reason: err.Error()}
		} else {
			affected = t.AffectedNodes("RemoveLeaf", op.From, nil)
		}
	case OpChangePolicy:
		old, ok := t.GetBranch(op.Node)
		if !ok {
			mutateErr = &ApplicationError{Kind: "NodeNotFound"}
		} else if !old.Policy.LessOrEqual(op.NewPolicy) {
			mutateErr = &ApplicationError{Kind: "PolicyWeakening", Old: old.Policy, New: op.NewPolicy}
		} else if err := t.SetPolicy(op.Node, op.NewPolicy); err != nil {
			mutateErr = &ApplicationError{Kind: "InvariantViolation", Reason: err.Error()}
		} else {
			affected = t.AffectedNodes("ChangePolicy", op.Node, nil)
		}
	case OpRotateEpoch:
		affected = t.AffectedNodes("RotateEpoch", 0, op.Affected)
	default:
		mutateErr = &ApplicationError{Kind: "InvariantViolation", Reason: "unknown op kind"}
	}

	if mutateErr != nil {
		t.Restore(snapshot)
		return mutateErr
	}

	if op.Kind == OpRotateEpoch {
		t.IncrementEpoch()
	}

	t.RecomputeCommitments(affected)

	if err := t.ValidateInvariants(); err != nil {
		t.Restore(snapshot)
		return &ApplicationError{Kind: "InvariantViolation", Reason: err.Error()}
	}

	return nil
}

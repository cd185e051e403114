/*
Package committree implements the commitment tree (spec §3, §4.1): a
BLAKE3-committed tree of policy-bearing branch nodes and device/guardian
leaves whose root commitment is the account's public state root. Every
mutation goes through Tree methods; the applier package is the only
caller that mutates a Tree, always through the pipeline in
internal/applier.
*/
package committree

import (
	"fmt"

	"github.com/hxrts/aura/internal/cryptoprim"
)

// PolicyKind enumerates the sum-type tags for Policy.
type PolicyKind uint8

const (
	PolicyAny PolicyKind = iota
	PolicyThreshold
	PolicyAll
)

// Policy is the meet-semilattice sum type governing who may authorize
// operations under a branch node: Any ⊑ Threshold(m,n) ⊑ All, with
// Threshold(m1,n1) ⊑ Threshold(m2,n2) iff m2*n1 >= m1*n2.
type Policy struct {
	Kind PolicyKind
	M    uint16 // meaningful only for PolicyThreshold
	N    uint16
}

func AnyPolicy() Policy                      { return Policy{Kind: PolicyAny} }
func AllPolicy() Policy                       { return Policy{Kind: PolicyAll} }
func ThresholdPolicy(m, n uint16) Policy      { return Policy{Kind: PolicyThreshold, M: m, N: n} }

// LessOrEqual reports whether p is weaker than or equal to other in the
// monotonicity lattice — i.e. whether replacing p with other is a legal
// ChangePolicy within the same epoch.
func (p Policy) LessOrEqual(other Policy) bool {
	if p.Kind == PolicyAny {
		return true
	}
	if p.Kind == PolicyAll {
		return other.Kind == PolicyAll
	}
	// p.Kind == PolicyThreshold
	switch other.Kind {
	case PolicyAny:
		return false
	case PolicyAll:
		return true
	case PolicyThreshold:
		// Threshold(m1,n1) ⊑ Threshold(m2,n2) iff m2*n1 >= m1*n2.
		return uint32(other.M)*uint32(p.N) >= uint32(p.M)*uint32(other.N)
	}
	return false
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyAny:
		return "any"
	case PolicyAll:
		return "all"
	case PolicyThreshold:
		return fmt.Sprintf("threshold(%d/%d)", p.M, p.N)
	default:
		return "unknown"
	}
}

// Hash returns the domain-separated policy_hash used in branch_commit: a
// 1-byte kind tag followed by (m, n) for Threshold, hashed with BLAKE3.
func (p Policy) Hash() cryptoprim.Hash32 {
	h := cryptoprim.NewHasher("POLICY")
	var tag [1]byte
	tag[0] = byte(p.Kind)
	h.WriteBytes(tag[:])
	if p.Kind == PolicyThreshold {
		h.WriteU16(p.M)
		h.WriteU16(p.N)
	}
	return h.Sum()
}

package committree

import "fmt"

// ValidateInvariants re-derives acyclicity, node-index uniqueness, and
// commitment integrity from current state, per spec.md §4.1. Called after
// every successful application; a non-nil error must trigger a full
// rollback by the caller (internal/applier owns that transactionality).
// The commitment-integrity check recomputes the stored commitments in
// place; the caller's rollback restores them along with the rest.
func (t *Tree) ValidateInvariants() error {
	if err := t.validateAcyclic(); err != nil {
		return err
	}
	if err := t.validateUniqueIndices(); err != nil {
		return err
	}
	if err := t.validateCommitmentIntegrity(); err != nil {
		return err
	}
	return nil
}

// validateAcyclic runs a DFS from the root with a visiting set, detecting
// any cycle introduced by a malformed ChangePolicy/Reshare rewrite.
func (t *Tree) validateAcyclic() error {
	visiting := make(map[uint32]bool)
	visited := make(map[uint32]bool)
	var dfs func(n uint32) error
	dfs = func(n uint32) error {
		if visiting[n] {
			return fmt.Errorf("committree: cycle detected at node %d", n)
		}
		if visited[n] {
			return nil
		}
		visiting[n] = true
		b, ok := t.branches[n]
		if ok {
			if b.LeftChild != nil {
				if err := dfs(*b.LeftChild); err != nil {
					return err
				}
			}
			if b.RightChild != nil {
				if err := dfs(*b.RightChild); err != nil {
					return err
				}
			}
		}
		visiting[n] = false
		visited[n] = true
		return nil
	}
	return dfs(t.rootIdx)
}

// validateUniqueIndices confirms the branch map itself has no duplicate
// keys (guaranteed by Go map semantics) but also that no node appears as
// a child of two different parents, which would indicate a corrupted
// insertion.
func (t *Tree) validateUniqueIndices() error {
	parentOf := make(map[uint32]uint32)
	for idx, b := range t.branches {
		for _, child := range []*uint32{b.LeftChild, b.RightChild} {
			if child == nil {
				continue
			}
			if prev, seen := parentOf[*child]; seen && prev != idx {
				return fmt.Errorf("committree: node %d has two parents (%d and %d)", *child, prev, idx)
			}
			parentOf[*child] = idx
		}
	}
	return nil
}

// validateCommitmentIntegrity reproduces the root commitment from current
// state and compares it to the stored root, catching any drift between
// mutation and commitment recomputation.
func (t *Tree) validateCommitmentIntegrity() error {
	saved := t.rootCommit
	t.recomputeAll()
	if saved != t.rootCommit {
		return fmt.Errorf("committree: commitment integrity violated: stored root does not reproduce from state")
	}
	return nil
}

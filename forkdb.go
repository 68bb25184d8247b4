// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"
)

type forkNode struct {
	bhs    *BlockHeaderState
	openQc *OpenQc
}

func forkNodeLess(a, b *forkNode) bool {
	an, bn := a.bhs.BlockNum(), b.bhs.BlockNum()
	if an != bn {
		return an < bn
	}
	return bytes.Compare(a.bhs.ID[:], b.bhs.ID[:]) < 0
}

// ForkDatabase holds every block header state between the last final
// block (the root) and the live tips. Nodes reference parents by id;
// children are tracked separately so pruning a branch is a set
// subtraction.
type ForkDatabase struct {
	mtx sync.RWMutex

	root     Digest
	index    map[Digest]*forkNode
	children map[Digest]map[Digest]struct{}
	byNum    *btree.BTreeG[*forkNode]
}

func NewForkDatabase(root *BlockHeaderState) *ForkDatabase {
	f := &ForkDatabase{
		root:     root.ID,
		index:    make(map[Digest]*forkNode),
		children: make(map[Digest]map[Digest]struct{}),
		byNum:    btree.NewG(8, forkNodeLess),
	}
	n := &forkNode{
		bhs:    root,
		openQc: NewOpenQc(root.ActiveFinalizerPolicy, root.PendingFinalizerPolicy(), root.ID),
	}
	f.index[root.ID] = n
	f.byNum.ReplaceOrInsert(n)
	return f
}

// Size is the number of block header states currently live.
func (f *ForkDatabase) Size() int {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return len(f.index)
}

func (f *ForkDatabase) Root() *BlockHeaderState {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return f.index[f.root].bhs
}

func (f *ForkDatabase) Get(id Digest) (*BlockHeaderState, bool) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	n, ok := f.index[id]
	if !ok {
		return nil, false
	}
	return n.bhs, true
}

// OpenQcFor returns the vote aggregator attached to the block, if the
// block is live in the fork database.
func (f *ForkDatabase) OpenQcFor(id Digest) (*OpenQc, bool) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	n, ok := f.index[id]
	if !ok {
		return nil, false
	}
	return n.openQc, true
}

// Insert adds a state whose parent is already present. Re-inserting an
// existing id is a no-op.
func (f *ForkDatabase) Insert(bhs *BlockHeaderState) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if _, exists := f.index[bhs.ID]; exists {
		return nil
	}
	if _, ok := f.index[bhs.Header.Previous]; !ok {
		return fmt.Errorf("%w: parent %s not in fork database", ErrUnlinkableBlock, bhs.Header.Previous)
	}
	n := &forkNode{
		bhs:    bhs,
		openQc: NewOpenQc(bhs.ActiveFinalizerPolicy, bhs.PendingFinalizerPolicy(), bhs.ID),
	}
	f.index[bhs.ID] = n
	f.byNum.ReplaceOrInsert(n)
	kids := f.children[bhs.Header.Previous]
	if kids == nil {
		kids = make(map[Digest]struct{})
		f.children[bhs.Header.Previous] = kids
	}
	kids[bhs.ID] = struct{}{}
	return nil
}

// BestHead returns the tip maximizing (last_final, final_on_strong_qc,
// last_qc, timestamp, id) lexicographically.
func (f *ForkDatabase) BestHead() *BlockHeaderState {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	var best *forkNode
	f.byNum.Ascend(func(n *forkNode) bool {
		if len(f.children[n.bhs.ID]) > 0 {
			return true
		}
		if best == nil || betterHead(n.bhs, best.bhs) {
			best = n
		}
		return true
	})
	if best == nil {
		best = f.index[f.root]
	}
	return best.bhs
}

func betterHead(a, b *BlockHeaderState) bool {
	if x, y := a.Core.LastFinalBlockNum, b.Core.LastFinalBlockNum; x != y {
		return x > y
	}
	if x, y := a.Core.FinalOnStrongQcBlockNum.Or(0), b.Core.FinalOnStrongQcBlockNum.Or(0); x != y {
		return x > y
	}
	if x, y := a.Core.LastQcBlockNum.Or(0), b.Core.LastQcBlockNum.Or(0); x != y {
		return x > y
	}
	if x, y := a.Timestamp().Slot, b.Timestamp().Slot; x != y {
		return x > y
	}
	return bytes.Compare(a.ID[:], b.ID[:]) > 0
}

// DescendsFrom reports whether id descends from (or is) ancestor,
// walking parent links down to the root.
func (f *ForkDatabase) DescendsFrom(id, ancestor Digest) bool {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return f.descendsFromLocked(id, ancestor)
}

func (f *ForkDatabase) descendsFromLocked(id, ancestor Digest) bool {
	ancestorNum := ancestor.BlockNum()
	cur, ok := f.index[id]
	for ok {
		if cur.bhs.ID == ancestor {
			return true
		}
		if cur.bhs.BlockNum() <= ancestorNum {
			return false
		}
		cur, ok = f.index[cur.bhs.Header.Previous]
	}
	return false
}

// AdvanceLib moves the root to the block with number n on the branch of
// head and prunes every other node at or below n, ancestors of the new
// root included, together with the branches hanging off the pruned
// nodes.
func (f *ForkDatabase) AdvanceLib(n uint32, head Digest) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	cur, ok := f.index[head]
	if !ok {
		return fmt.Errorf("%w: head %s not in fork database", ErrForkDatabase, head)
	}
	for cur.bhs.BlockNum() > n {
		parent, ok := f.index[cur.bhs.Header.Previous]
		if !ok {
			return fmt.Errorf("%w: branch of %s does not reach block %d", ErrForkDatabase, head, n)
		}
		cur = parent
	}
	if cur.bhs.BlockNum() != n {
		return fmt.Errorf("%w: no block %d on branch of %s", ErrForkDatabase, n, head)
	}
	newRoot := cur.bhs.ID

	// Ancestors of the new root, inclusive.
	keep := make(map[Digest]struct{})
	for ok {
		keep[cur.bhs.ID] = struct{}{}
		cur, ok = f.index[cur.bhs.Header.Previous]
	}

	var prune []*forkNode
	f.byNum.Ascend(func(node *forkNode) bool {
		if node.bhs.BlockNum() > n {
			return false
		}
		if _, kept := keep[node.bhs.ID]; !kept || node.bhs.ID != newRoot {
			prune = append(prune, node)
		}
		return true
	})
	for _, node := range prune {
		f.removeSubtreeLocked(node, keep)
	}
	f.root = newRoot
	return nil
}

// removeSubtreeLocked deletes node and every descendant, sparing
// anything on the kept ancestry path.
func (f *ForkDatabase) removeSubtreeLocked(node *forkNode, keep map[Digest]struct{}) {
	id := node.bhs.ID
	if _, kept := keep[id]; kept {
		// An ancestor of the new root: drop it but not its kept child.
		f.deleteNodeLocked(node)
		return
	}
	for childID := range f.children[id] {
		if child, ok := f.index[childID]; ok {
			f.removeSubtreeLocked(child, keep)
		}
	}
	f.deleteNodeLocked(node)
}

func (f *ForkDatabase) deleteNodeLocked(node *forkNode) {
	id := node.bhs.ID
	if _, ok := f.index[id]; !ok {
		return
	}
	delete(f.index, id)
	f.byNum.Delete(node)
	delete(f.children, id)
	if parentKids, ok := f.children[node.bhs.Header.Previous]; ok {
		delete(parentKids, id)
	}
}

// BestQc walks from the tip toward the root and returns the QC covering
// the highest block attainable from the live aggregators, or nil when
// no block on the branch has one.
func (f *ForkDatabase) BestQc(tip Digest) (*Qc, error) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	cur, ok := f.index[tip]
	for ok {
		qc, err := cur.openQc.BestQc(cur.bhs.BlockNum())
		if err != nil {
			return nil, err
		}
		if qc != nil {
			return qc, nil
		}
		if cur.bhs.ID == f.root {
			break
		}
		cur, ok = f.index[cur.bhs.Header.Previous]
	}
	return nil, nil
}

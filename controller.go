// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"savanna/metrics"
)

const (
	// DefaultMaxVotesPerConnection bounds in-flight votes per peer.
	DefaultMaxVotesPerConnection = 2500
	// DefaultUnlinkableLookahead is how far past the head an unlinkable
	// block may be and still get buffered instead of dropped.
	DefaultUnlinkableLookahead = 4
)

var ErrNotStarted = errors.New("controller is not started")

// BlockStore resolves blocks that have already fallen out of the fork
// database, such as the partitioned block log. After a restart from a
// snapshot the fork database roots at the snapshot head, and a QC in a
// freshly received block may still claim an older ancestor.
type BlockStore interface {
	Fetch(blockNum uint32) (*SignedBlock, error)
}

// ControllerConfig collects everything the controller needs to run.
type ControllerConfig struct {
	Logger     Logger
	Comm       Communication
	Start      *BlockHeaderState
	Finalizers []*Finalizer
	Metrics    *metrics.Metrics

	// Blocks is optional. Without it, QCs claiming blocks more than one
	// below the fork database root cannot be verified and are rejected;
	// the block just below the root is resolved from the root's parent
	// link.
	Blocks BlockStore

	MaxVotesPerConnection uint32
	UnlinkableLookahead   uint32
}

// Controller owns the fork database and the block header state
// lifecycle. Block application runs on a single main goroutine; vote
// handling is called concurrently by network workers and only touches
// the per-block aggregators.
type Controller struct {
	log        Logger
	comm       Communication
	forkdb     *ForkDatabase
	finalizers []*Finalizer
	limiter    *connectionVoteLimiter
	metrics    *metrics.Metrics
	blocks     BlockStore
	lookahead  uint32
	sched      *domainScheduler

	started atomic.Bool

	// Unlinkable blocks buffered until their parent arrives, keyed by
	// the missing parent id.
	pendingBlocks map[Digest][]*SignedBlock
}

func NewController(config ControllerConfig) (*Controller, error) {
	if config.Start == nil {
		return nil, errors.New("controller requires a start state")
	}
	if config.MaxVotesPerConnection == 0 {
		config.MaxVotesPerConnection = DefaultMaxVotesPerConnection
	}
	if config.UnlinkableLookahead == 0 {
		config.UnlinkableLookahead = DefaultUnlinkableLookahead
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New(nil)
	}
	c := &Controller{
		log:           config.Logger,
		comm:          config.Comm,
		forkdb:        NewForkDatabase(config.Start),
		finalizers:    config.Finalizers,
		limiter:       newConnectionVoteLimiter(config.MaxVotesPerConnection),
		metrics:       config.Metrics,
		blocks:        config.Blocks,
		lookahead:     config.UnlinkableLookahead,
		sched:         newDomainScheduler(),
		pendingBlocks: make(map[Digest][]*SignedBlock),
	}
	return c, nil
}

func (c *Controller) Start() {
	c.started.Store(true)
	head := c.forkdb.BestHead()
	c.log.Info("controller started",
		zap.Uint32("head", head.BlockNum()),
		zap.Uint32("lib", head.Core.LastFinalBlockNum),
	)
}

func (c *Controller) Head() *BlockHeaderState {
	return c.forkdb.BestHead()
}

func (c *Controller) Lib() uint32 {
	return c.forkdb.BestHead().Core.LastFinalBlockNum
}

func (c *Controller) ForkDB() *ForkDatabase {
	return c.forkdb
}

// QueueBlock hands a received block to the main domain. Application
// runs serialized on the scheduler goroutine; a block queued before
// its parent waits for the parent's task to finish.
func (c *Controller) QueueBlock(sb *SignedBlock) {
	h := &sb.SignedHeader.Header
	id := h.CalculateID()
	_, parentKnown := c.forkdb.Get(h.Previous)
	c.sched.Schedule(func() Digest {
		if err := c.ApplyBlock(sb); err != nil {
			c.log.Debug("queued block rejected",
				zap.Uint32("block_num", h.BlockNum()),
				zap.Error(err),
			)
		}
		return id
	}, h.Previous, parentKnown)
}

// Shutdown stops the main domain goroutine. Queued blocks that have
// not run yet are dropped.
func (c *Controller) Shutdown() {
	c.started.Store(false)
	c.sched.Close()
}

// ApplyBlock validates a received signed block against its parent and
// adds it to the fork database. Runs on the main goroutine.
func (c *Controller) ApplyBlock(sb *SignedBlock) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	h := &sb.SignedHeader.Header
	if _, exists := c.forkdb.Get(h.CalculateID()); exists {
		return nil
	}
	parent, ok := c.forkdb.Get(h.Previous)
	if !ok {
		return c.bufferUnlinkable(sb)
	}

	bhs, err := parent.NextFromHeader(&sb.SignedHeader)
	if err != nil {
		c.metrics.BlocksRejected.Inc()
		return err
	}
	if err := c.checkQcExtension(parent, bhs, sb); err != nil {
		c.metrics.BlocksRejected.Inc()
		return err
	}
	if err := c.forkdb.Insert(bhs); err != nil {
		return err
	}
	c.metrics.BlocksApplied.Inc()
	c.log.Debug("block applied",
		zap.Uint32("block_num", bhs.BlockNum()),
		zap.Stringer("id", bhs.ID),
		zap.Uint32("lib", bhs.Core.LastFinalBlockNum),
	)

	c.advanceLib(bhs)
	c.voteOn(bhs)
	c.observeHead()

	// The new block may unblock buffered children.
	return c.drainPending(bhs.ID)
}

// checkQcExtension enforces the claim/extension pairing and verifies a
// carried QC against the claimed ancestor's policies.
func (c *Controller) checkQcExtension(parent, bhs *BlockHeaderState, sb *SignedBlock) error {
	qc, err := sb.QcExtension()
	if err != nil {
		return fmt.Errorf("%w: bad qc extension: %v", ErrBlockValidation, err)
	}
	claim := bhs.LastQcClaim
	repeated := parent.Core.LastQcBlockNum.Valid && claim.BlockNum == parent.Core.LastQcBlockNum.Num

	if repeated {
		if qc != nil {
			return fmt.Errorf("%w: repeated claim on block %d must not carry a qc", ErrBlockValidation, claim.BlockNum)
		}
		return nil
	}
	if qc == nil {
		return fmt.Errorf("%w: fresh claim on block %d requires a qc", ErrBlockValidation, claim.BlockNum)
	}
	if qc.BlockNum != claim.BlockNum || qc.IsStrong() != claim.IsStrongQc {
		return fmt.Errorf("%w: qc %s does not match claim %s", ErrBlockValidation, qc.ToQcClaim(), claim)
	}

	claimed, ok := c.ancestorAtNum(bhs, claim.BlockNum)
	if !ok {
		// The claimed block is below the fork database root, which
		// happens right after a restart from a snapshot.
		return c.verifyQcOnPrunedAncestor(bhs, qc)
	}
	openQc, ok := c.forkdb.OpenQcFor(claimed.ID)
	if !ok {
		return fmt.Errorf("%w: no aggregator for claimed block %d", ErrBlockValidation, claim.BlockNum)
	}
	if err := openQc.VerifyQc(qc); err != nil {
		return fmt.Errorf("%w: qc on block %d: %v", ErrBlockValidation, claim.BlockNum, err)
	}
	openQc.SetReceivedQc(qc)
	return nil
}

// verifyQcOnPrunedAncestor verifies a QC claiming a block with no live
// aggregator. The claimed block's id comes from the root's own parent
// link or from the block store; the policies in force at the claimed
// height come from the head state's generation spans.
func (c *Controller) verifyQcOnPrunedAncestor(bhs *BlockHeaderState, qc *Qc) error {
	root := c.forkdb.Root()
	if qc.BlockNum >= root.BlockNum() {
		return fmt.Errorf("%w: claimed block %d not on branch", ErrBlockValidation, qc.BlockNum)
	}
	id, err := c.prunedBlockID(root, qc.BlockNum)
	if err != nil {
		return err
	}
	active, pending, err := bhs.FinalizerPoliciesAt(qc.BlockNum)
	if err != nil {
		return err
	}
	if err := NewOpenQc(active, pending, id).VerifyQc(qc); err != nil {
		return fmt.Errorf("%w: qc on pruned block %d: %v", ErrBlockValidation, qc.BlockNum, err)
	}
	return nil
}

func (c *Controller) prunedBlockID(root *BlockHeaderState, n uint32) (Digest, error) {
	if n == root.BlockNum()-1 {
		return root.Header.Previous, nil
	}
	if c.blocks == nil {
		return Digest{}, fmt.Errorf("%w: claimed block %d is below the root and no block store is configured",
			ErrBlockValidation, n)
	}
	sb, err := c.blocks.Fetch(n)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: fetching claimed block %d: %v", ErrBlockValidation, n, err)
	}
	return sb.SignedHeader.Header.CalculateID(), nil
}

func (c *Controller) ancestorAtNum(from *BlockHeaderState, n uint32) (*BlockHeaderState, bool) {
	cur := from
	for cur.BlockNum() > n {
		parent, ok := c.forkdb.Get(cur.Header.Previous)
		if !ok {
			return nil, false
		}
		cur = parent
	}
	if cur.BlockNum() != n {
		return nil, false
	}
	return cur, true
}

func (c *Controller) advanceLib(bhs *BlockHeaderState) {
	lib := bhs.Core.LastFinalBlockNum
	if lib <= c.forkdb.Root().BlockNum() {
		return
	}
	if err := c.forkdb.AdvanceLib(lib, bhs.ID); err != nil {
		c.log.Error("failed advancing lib", zap.Uint32("lib", lib), zap.Error(err))
		return
	}
	c.metrics.LastFinalBlockNum.Set(float64(lib))
	c.log.Info("lib advanced", zap.Uint32("lib", lib))
}

// voteOn runs every local finalizer's safety rules on the new block and
// broadcasts the resulting votes.
func (c *Controller) voteOn(bhs *BlockHeaderState) {
	if len(c.finalizers) == 0 {
		return
	}
	ref := BlockRef{BlockNum: bhs.BlockNum(), BlockID: bhs.ID, Timestamp: bhs.Timestamp()}
	claimedRef := ref
	if claimed, ok := c.ancestorAtNum(bhs, bhs.Core.LastQcBlockNum.Or(bhs.BlockNum())); ok {
		claimedRef = BlockRef{BlockNum: claimed.BlockNum(), BlockID: claimed.ID, Timestamp: claimed.Timestamp()}
	}

	for _, f := range c.finalizers {
		decision, err := f.DecideVote(c.forkdb, ref, claimedRef)
		if err != nil {
			c.log.Error("vote decision failed", zap.Uint32("block_num", ref.BlockNum), zap.Error(err))
			continue
		}
		if decision == VoteNone {
			continue
		}
		sig, err := f.SignVote(bhs.ID, decision)
		if err != nil {
			c.log.Error("vote signing failed", zap.Uint32("block_num", ref.BlockNum), zap.Error(err))
			continue
		}
		msg := &VoteMessage{
			BlockID:      bhs.ID,
			Strong:       decision == VoteStrong,
			FinalizerKey: f.PublicKey(),
			Sig:          sig,
		}
		// Aggregate our own vote before telling anyone else.
		c.aggregateVote(msg)
		if c.comm != nil {
			c.comm.Broadcast(msg)
		}
	}
}

// HandleVote processes a vote received on a connection. Safe for
// concurrent use by network workers.
func (c *Controller) HandleVote(connection string, v *VoteMessage) VoteStatus {
	if !c.started.Load() {
		return VoteUnknownBlock
	}
	if !c.limiter.acquire(connection) {
		c.metrics.VotesProcessed.WithLabelValues(VoteMaxExceeded.String()).Inc()
		return VoteMaxExceeded
	}
	defer c.limiter.release(connection)

	status := c.aggregateVote(v)
	c.metrics.VotesProcessed.WithLabelValues(status.String()).Inc()
	if status != VoteSuccess && status != VoteDuplicate {
		c.log.Debug("vote rejected",
			zap.Uint32("block_num", v.BlockNum()),
			zap.Stringer("status", status),
			zap.String("connection", connection),
		)
	}
	return status
}

func (c *Controller) aggregateVote(v *VoteMessage) VoteStatus {
	openQc, ok := c.forkdb.OpenQcFor(v.BlockID)
	if !ok {
		return VoteUnknownBlock
	}
	status := openQc.AggregateVote(v.Strong, v.FinalizerKey, v.Sig)
	if status == VoteSuccess && openQc.IsQuorumMet() {
		strength := "weak"
		if openQc.active.State() == StateStrong {
			strength = "strong"
		}
		c.metrics.QcsSealed.WithLabelValues(strength).Inc()
	}
	return status
}

// BuildBlock assembles the next block on top of the current best head,
// attaching the best QC available on that branch.
func (c *Controller) BuildBlock(input BlockInput) (*SignedBlock, *BlockHeaderState, error) {
	if !c.started.Load() {
		return nil, nil, ErrNotStarted
	}
	head := c.forkdb.BestHead()

	qc, err := c.forkdb.BestQc(head.ID)
	if err != nil {
		return nil, nil, err
	}
	var freshQc *Qc
	if qc != nil {
		claim := qc.ToQcClaim()
		if !head.Core.LastQcBlockNum.Valid || claim.BlockNum > head.Core.LastQcBlockNum.Num {
			input.QcClaim = &claim
			freshQc = qc
		}
	}

	bhs, err := head.Next(input)
	if err != nil {
		return nil, nil, err
	}
	sb := &SignedBlock{SignedHeader: SignedBlockHeader{Header: bhs.Header}}
	if freshQc != nil {
		sb.SetQcExtension(freshQc)
	}
	if err := c.forkdb.Insert(bhs); err != nil {
		return nil, nil, err
	}
	c.metrics.BlocksApplied.Inc()
	c.advanceLib(bhs)
	c.voteOn(bhs)
	c.observeHead()
	return sb, bhs, nil
}

func (c *Controller) observeHead() {
	head := c.forkdb.BestHead()
	c.metrics.HeadBlockNum.Set(float64(head.BlockNum()))
	c.metrics.ForkDBSize.Set(float64(c.forkdb.Size()))
}

// bufferUnlinkable holds on to a block slightly ahead of the head so a
// short out-of-order burst does not force a refetch.
func (c *Controller) bufferUnlinkable(sb *SignedBlock) error {
	h := &sb.SignedHeader.Header
	head := c.forkdb.BestHead()
	if h.BlockNum() > head.BlockNum()+c.lookahead {
		return fmt.Errorf("%w: block %d too far past head %d", ErrUnlinkableBlock, h.BlockNum(), head.BlockNum())
	}
	c.pendingBlocks[h.Previous] = append(c.pendingBlocks[h.Previous], sb)
	c.log.Debug("buffered unlinkable block",
		zap.Uint32("block_num", h.BlockNum()),
		zap.Stringer("missing_parent", h.Previous),
	)
	return nil
}

func (c *Controller) drainPending(parent Digest) error {
	buffered, ok := c.pendingBlocks[parent]
	if !ok {
		return nil
	}
	delete(c.pendingBlocks, parent)
	for _, sb := range buffered {
		if err := c.ApplyBlock(sb); err != nil {
			return err
		}
	}
	return nil
}

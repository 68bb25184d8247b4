// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SlotTask runs when the wall clock reaches a slot deadline. Tasks are
// keyed by producer and by the slot range they cover, so a task can be
// cancelled once the block it was waiting for arrives.
type SlotTask struct {
	Producer  Name
	TaskID    string
	FirstSlot uint32
	LastSlot  uint32
	Task      func()
	Deadline  time.Time

	index int // for heap to work more efficiently
}

// SlotTimer tracks pending slot deadlines for a set of producers and
// executes whatever comes due. Time is driven externally through Tick,
// which keeps production deterministic under test clocks.
type SlotTimer struct {
	lock sync.Mutex

	ticks chan time.Time
	close chan struct{}
	// producer -> slot range -> task
	tasks map[Name]map[string]*SlotTask
	heap  slotTaskHeap
	now   time.Time

	log Logger
}

// NewSlotTimer returns a SlotTimer and starts a goroutine that listens
// for ticks and executes due SlotTasks.
func NewSlotTimer(log Logger, startTime time.Time, producers []Name) *SlotTimer {
	tasks := make(map[Name]map[string]*SlotTask)
	for _, producer := range producers {
		tasks[producer] = make(map[string]*SlotTask)
	}

	t := &SlotTimer{
		now:   startTime,
		tasks: tasks,
		ticks: make(chan time.Time, 1),
		close: make(chan struct{}),
		log:   log,
	}

	go t.run()

	return t
}

func (t *SlotTimer) GetTime() time.Time {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.now
}

func (t *SlotTimer) run() {
	for t.shouldRun() {
		select {
		case now := <-t.ticks:
			t.lock.Lock()
			t.now = now
			t.lock.Unlock()

			t.maybeRunTasks()
		case <-t.close:
			return
		}
	}
}

func (t *SlotTimer) maybeRunTasks() {
	for {
		t.lock.Lock()
		if t.heap.Len() == 0 {
			t.lock.Unlock()
			break
		}

		next := t.heap[0]
		if next.Deadline.After(t.now) {
			t.lock.Unlock()
			break
		}

		heap.Pop(&t.heap)
		delete(t.tasks[next.Producer], next.TaskID)
		t.lock.Unlock()
		t.log.Debug("Executing slot task", zap.String("taskid", next.TaskID))
		next.Task()
	}
}

func (t *SlotTimer) shouldRun() bool {
	select {
	case <-t.close:
		return false
	default:
		return true
	}
}

func (t *SlotTimer) Tick(now time.Time) {
	select {
	case t.ticks <- now:
	default:
		t.log.Debug("Dropping tick in slot timer")
	}
}

func (t *SlotTimer) AddTask(task *SlotTask) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.tasks[task.Producer]; !ok {
		t.log.Debug("Attempting to add a task for an unknown producer", zap.Stringer("producer", task.Producer))
		return
	}

	if _, ok := t.tasks[task.Producer][task.TaskID]; ok {
		t.log.Debug("Trying to add an already included task", zap.Stringer("producer", task.Producer), zap.String("Task ID", task.TaskID))
		return
	}

	t.tasks[task.Producer][task.TaskID] = task
	t.log.Debug("Adding slot task", zap.Stringer("producer", task.Producer), zap.String("taskid", task.TaskID))
	heap.Push(&t.heap, task)
}

func (t *SlotTimer) RemoveTask(producer Name, id string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.tasks[producer]; !ok {
		t.log.Debug("Attempting to remove a task for an unknown producer", zap.Stringer("producer", producer))
		return
	}

	if _, ok := t.tasks[producer][id]; !ok {
		return
	}

	t.log.Debug("Removing slot task", zap.Stringer("producer", producer), zap.String("taskid", id))
	heap.Remove(&t.heap, t.tasks[producer][id].index)
	delete(t.tasks[producer], id)
}

func (t *SlotTimer) Close() {
	select {
	case <-t.close:
		return
	default:
		close(t.close)
	}
}

// FindTask returns the first SlotTask assigned to producer that covers
// any slot in slots. A slot is covered if it falls between a task's
// FirstSlot (inclusive) and LastSlot (inclusive).
func (t *SlotTimer) FindTask(producer Name, slots []uint32) *SlotTask {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, slot := range slots {
		for _, task := range t.tasks[producer] {
			if slot >= task.FirstSlot && slot <= task.LastSlot {
				return task
			}
		}
	}

	return nil
}

const slotTaskDelimiter = "_"

func slotTaskID(first, last uint32) string {
	return fmt.Sprintf("%d%s%d", first, slotTaskDelimiter, last)
}

// ----------------------------------------------------------------------
type slotTaskHeap []*SlotTask

func (h *slotTaskHeap) Len() int { return len(*h) }

// Less returns if the task at index [i] has an earlier deadline than the task at index [j]
func (h *slotTaskHeap) Less(i, j int) bool { return (*h)[i].Deadline.Before((*h)[j].Deadline) }

// Swap swaps the values at index [i] and [j]
func (h *slotTaskHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].index = i
	(*h)[j].index = j
}

func (h *slotTaskHeap) Push(x any) {
	task := x.(*SlotTask)
	task.index = h.Len()
	*h = append(*h, task)
}

func (h *slotTaskHeap) Pop() any {
	old := *h
	len := h.Len()
	task := old[len-1]
	old[len-1] = nil
	*h = old[0 : len-1]
	task.index = -1
	return task
}

// BlockPayload supplies the producer with the merkle roots of the
// transactions and actions it is sealing into the next block.
type BlockPayload interface {
	NextPayload(t BlockTimestamp) (transactionMroot, actionMroot Digest)
}

// Producer drives block production for one producing account. Each
// scheduled slot gets a SlotTask; when the deadline fires and the
// account is still the scheduled producer at that slot, a block is
// built on the current best head and handed to OnBlock.
type Producer struct {
	log     Logger
	ctrl    *Controller
	name    Name
	timer   *SlotTimer
	payload BlockPayload
	onBlock func(*SignedBlock)
}

type ProducerConfig struct {
	Logger  Logger
	Ctrl    *Controller
	Name    Name
	Timer   *SlotTimer
	Payload BlockPayload
	OnBlock func(*SignedBlock)
}

func NewProducer(cfg ProducerConfig) *Producer {
	return &Producer{
		log:     cfg.Logger,
		ctrl:    cfg.Ctrl,
		name:    cfg.Name,
		timer:   cfg.Timer,
		payload: cfg.Payload,
		onBlock: cfg.OnBlock,
	}
}

// ScheduleRound registers production tasks for the producer's next
// scheduled slots, one task per slot in the repetition window.
func (p *Producer) ScheduleRound() {
	head := p.ctrl.Head()
	slot := head.Timestamp().Slot + 1
	for i := uint32(0); i < ProducerRepetitions; i++ {
		t := BlockTimestamp{Slot: slot + i}
		if head.ScheduledProducer(t).ProducerName != p.name {
			continue
		}
		p.scheduleSlot(t)
	}
}

func (p *Producer) scheduleSlot(t BlockTimestamp) {
	id := slotTaskID(t.Slot, t.Slot)
	p.timer.AddTask(&SlotTask{
		Producer:  p.name,
		TaskID:    id,
		FirstSlot: t.Slot,
		LastSlot:  t.Slot,
		Deadline:  t.Time(),
		Task: func() {
			p.produce(t)
		},
	})
}

// CancelSlot drops a pending production task, used when a block for
// the slot arrived from elsewhere first.
func (p *Producer) CancelSlot(slot uint32) {
	p.timer.RemoveTask(p.name, slotTaskID(slot, slot))
}

func (p *Producer) produce(t BlockTimestamp) {
	head := p.ctrl.Head()
	if head.ScheduledProducer(t).ProducerName != p.name {
		return
	}
	if !t.After(head.Timestamp()) {
		return
	}
	txMroot, actionMroot := p.payload.NextPayload(t)
	sb, bhs, err := p.ctrl.BuildBlock(BlockInput{
		Timestamp:        t,
		Producer:         p.name,
		TransactionMroot: txMroot,
		ActionMroot:      actionMroot,
	})
	if err != nil {
		p.log.Error("block production failed", zap.Stringer("slot", t), zap.Error(err))
		return
	}
	p.log.Info("produced block",
		zap.Uint32("block_num", bhs.BlockNum()),
		zap.Stringer("id", bhs.ID),
		zap.Stringer("slot", t),
	)
	if p.onBlock != nil {
		p.onBlock(sb)
	}
}

// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"savanna/testutil"
)

func TestSlotTimerRunsDueTasks(t *testing.T) {
	log := testutil.MakeLogger(t)
	start := BlockTimestamp{Slot: 0}.Time()
	timer := NewSlotTimer(log, start, []Name{MustName("alice")})
	defer timer.Close()

	ran := make(chan string, 2)
	for _, slot := range []uint32{2, 1} {
		slot := slot
		timer.AddTask(&SlotTask{
			Producer:  MustName("alice"),
			TaskID:    slotTaskID(slot, slot),
			FirstSlot: slot,
			LastSlot:  slot,
			Deadline:  BlockTimestamp{Slot: slot}.Time(),
			Task:      func() { ran <- slotTaskID(slot, slot) },
		})
	}
	require.NotNil(t, timer.FindTask(MustName("alice"), []uint32{1}))

	// One tick past both deadlines runs them in deadline order.
	timer.Tick(BlockTimestamp{Slot: 3}.Time())
	require.Equal(t, slotTaskID(1, 1), <-ran)
	require.Equal(t, slotTaskID(2, 2), <-ran)

	require.Nil(t, timer.FindTask(MustName("alice"), []uint32{1, 2}))
	require.Eventually(t, func() bool {
		return timer.GetTime().Equal(BlockTimestamp{Slot: 3}.Time())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSlotTimerRemoveTask(t *testing.T) {
	log := testutil.MakeLogger(t)
	start := BlockTimestamp{Slot: 0}.Time()
	timer := NewSlotTimer(log, start, []Name{MustName("alice")})
	defer timer.Close()

	ran := make(chan struct{}, 1)
	timer.AddTask(&SlotTask{
		Producer:  MustName("alice"),
		TaskID:    slotTaskID(1, 1),
		FirstSlot: 1,
		LastSlot:  1,
		Deadline:  BlockTimestamp{Slot: 1}.Time(),
		Task:      func() { ran <- struct{}{} },
	})
	timer.RemoveTask(MustName("alice"), slotTaskID(1, 1))
	require.Nil(t, timer.FindTask(MustName("alice"), []uint32{1}))

	timer.Tick(BlockTimestamp{Slot: 2}.Time())
	select {
	case <-ran:
		require.Fail(t, "removed task ran")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlotTimerGuards(t *testing.T) {
	log := testutil.MakeLogger(t)
	start := BlockTimestamp{Slot: 0}.Time()
	timer := NewSlotTimer(log, start, []Name{MustName("alice")})
	defer timer.Close()

	// Unknown producer tasks are dropped.
	timer.AddTask(&SlotTask{
		Producer: MustName("bob"),
		TaskID:   slotTaskID(1, 1),
		Deadline: BlockTimestamp{Slot: 1}.Time(),
		Task:     func() {},
	})
	require.Nil(t, timer.FindTask(MustName("bob"), []uint32{1}))
	timer.RemoveTask(MustName("bob"), slotTaskID(1, 1))

	// A task id already present keeps the first registration.
	ran := make(chan int, 2)
	for i := 0; i < 2; i++ {
		i := i
		timer.AddTask(&SlotTask{
			Producer:  MustName("alice"),
			TaskID:    slotTaskID(1, 1),
			FirstSlot: 1,
			LastSlot:  1,
			Deadline:  BlockTimestamp{Slot: 1}.Time(),
			Task:      func() { ran <- i },
		})
	}
	timer.Tick(BlockTimestamp{Slot: 2}.Time())
	require.Equal(t, 0, <-ran)
	select {
	case <-ran:
		require.Fail(t, "duplicate task ran")
	case <-time.After(100 * time.Millisecond):
	}
}

type fixedPayload struct {
	tx, act Digest
}

func (p fixedPayload) NextPayload(BlockTimestamp) (Digest, Digest) {
	return p.tx, p.act
}

func TestProducerProducesScheduledSlots(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	g := makeTestGenesis(0, makeTestSchedule("alice"), c.policy)
	ctrl := newTestController(t, c, g, true, &recordingComm{})
	defer ctrl.Shutdown()
	ctrl.Start()

	log := testutil.MakeLogger(t)
	timer := NewSlotTimer(log, BlockTimestamp{Slot: 0}.Time(), []Name{MustName("alice")})
	defer timer.Close()

	produced := make(chan *SignedBlock, ProducerRepetitions)
	payload := fixedPayload{
		tx:  ComputeDigest([]byte("tx")),
		act: ComputeDigest([]byte("act")),
	}
	p := NewProducer(ProducerConfig{
		Logger:  log,
		Ctrl:    ctrl,
		Name:    MustName("alice"),
		Timer:   timer,
		Payload: payload,
		OnBlock: func(sb *SignedBlock) { produced <- sb },
	})

	p.ScheduleRound()
	require.NotNil(t, timer.FindTask(MustName("alice"), []uint32{1}))

	timer.Tick(BlockTimestamp{Slot: 1}.Time())
	sb := <-produced
	require.Equal(t, uint32(1), sb.SignedHeader.Header.Timestamp.Slot)
	require.Equal(t, payload.tx, sb.SignedHeader.Header.TransactionMroot)
	require.Equal(t, uint32(2), ctrl.Head().BlockNum())

	// The slot-2 block arrived from elsewhere, so its task is cancelled
	// and production resumes at slot 3.
	p.CancelSlot(2)
	timer.Tick(BlockTimestamp{Slot: 3}.Time())
	sb = <-produced
	require.Equal(t, uint32(3), sb.SignedHeader.Header.Timestamp.Slot)
	require.Equal(t, uint32(3), ctrl.Head().BlockNum())
}

func TestProducerSkipsForeignSchedule(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	g := makeTestGenesis(0, makeTestSchedule("alice"), c.policy)
	ctrl := newTestController(t, c, g, false, nil)
	defer ctrl.Shutdown()
	ctrl.Start()

	log := testutil.MakeLogger(t)
	timer := NewSlotTimer(log, BlockTimestamp{Slot: 0}.Time(), []Name{MustName("bob")})
	defer timer.Close()

	p := NewProducer(ProducerConfig{
		Logger: log,
		Ctrl:   ctrl,
		Name:   MustName("bob"),
		Timer:  timer,
	})
	p.ScheduleRound()
	require.Nil(t, timer.FindTask(MustName("bob"), []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}))
}

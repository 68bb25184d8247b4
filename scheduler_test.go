// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerParksChildUntilParentRuns(t *testing.T) {
	ds := newDomainScheduler()
	defer ds.Close()

	parentID := ComputeDigest([]byte("parent"))
	childID := ComputeDigest([]byte("child"))
	grandpaID := ComputeDigest([]byte("grandpa"))

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	// The child arrives first and must wait for its parent.
	ds.Schedule(func() Digest {
		mu.Lock()
		order = append(order, "child")
		mu.Unlock()
		close(done)
		return childID
	}, parentID, false)

	ds.Schedule(func() Digest {
		mu.Lock()
		order = append(order, "parent")
		mu.Unlock()
		return parentID
	}, grandpaID, true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "child task never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"parent", "child"}, order)
}

func TestSchedulerSizeCountsParkedTasks(t *testing.T) {
	ds := newDomainScheduler()
	defer ds.Close()

	never := ComputeDigest([]byte("never-applied"))
	ds.Schedule(func() Digest { return ComputeDigest([]byte("orphan")) }, never, false)
	require.Equal(t, 1, ds.Size())
}

func TestSchedulerDropsTasksAfterClose(t *testing.T) {
	ds := newDomainScheduler()
	ds.Close()

	ran := make(chan struct{})
	ds.Schedule(func() Digest {
		close(ran)
		return Digest{}
	}, Digest{}, true)
	require.Equal(t, 0, ds.Size())

	select {
	case <-ran:
		require.Fail(t, "task ran after close")
	case <-time.After(50 * time.Millisecond):
	}
}

package flush

import (
	"sync"
	"testing"

	"mazarin/internal/collab"
)

// TestFlushFanOut is scenario 4: with 4 executors, submitter on executor 0
// issues a kernel flush; executors 1-3 each observe exactly one flush call
// for that range, and SubmitAndWait only returns once every node has been
// serviced.
func TestFlushFanOut(t *testing.T) {
	const numExecutors = 4
	pt := collab.NewFakePageTable()
	ints := collab.NewFakeInterruptSender()
	coord := New(numExecutors, pt, ints, nil)

	var mu sync.Mutex
	serviced := map[int]int{}
	ints.Handler = func(executor int) {
		coord.ProcessPendingOnSelf(executor)
		mu.Lock()
		serviced[executor]++
		mu.Unlock()
	}

	r := collab.AddressRange{Base: 0xFFFF000000, Length: 0x1000}
	coord.SubmitAndWait(0, r, TargetKernel, 0)

	for exec := 1; exec < numExecutors; exec++ {
		mu.Lock()
		n := serviced[exec]
		mu.Unlock()
		if n != 1 {
			t.Errorf("executor %d serviced %d times, want 1", exec, n)
		}
	}
	if got := pt.FlushCount(); got != numExecutors {
		t.Fatalf("FlushCount = %d, want %d (one local + 3 remote)", got, numExecutors)
	}
	sent := ints.Sent()
	if len(sent) != numExecutors-1 {
		t.Fatalf("IPIs sent = %d, want %d", len(sent), numExecutors-1)
	}
}

// TestUserTargetSkipsDetachedExecutor covers the flush-on-user-target
// predicate decided in DESIGN.md: a remote executor not attached to the
// target process observes the IPI but performs no flush.
func TestUserTargetSkipsDetachedExecutor(t *testing.T) {
	const numExecutors = 2
	pt := collab.NewFakePageTable()
	ints := collab.NewFakeInterruptSender()
	attach := collab.NewFakeProcessAttachment()
	attach.Detach(1, collab.ProcessID(42))
	coord := New(numExecutors, pt, ints, attach)

	ints.Handler = func(executor int) { coord.ProcessPendingOnSelf(executor) }

	r := collab.AddressRange{Base: 0x1000, Length: 0x1000}
	coord.SubmitAndWait(0, r, TargetUser, collab.ProcessID(42))

	// One local flush from executor 0; executor 1 is detached and must not
	// have produced a second flush call.
	if got := pt.FlushCount(); got != 1 {
		t.Fatalf("FlushCount = %d, want 1 (detached executor must not flush)", got)
	}
}

func TestSubmitAndWaitDrainsOwnQueueWhileSpinning(t *testing.T) {
	// A submitter must be able to service another coordinator's request
	// landing on its own queue while it spins, or it would deadlock
	// against that request's submitter waiting on this executor.
	const numExecutors = 2
	pt := collab.NewFakePageTable()
	ints := collab.NewFakeInterruptSender()
	coord := New(numExecutors, pt, ints, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		coord.SubmitAndWait(0, collab.AddressRange{Base: 0x2000, Length: 0x1000}, TargetKernel, 0)
	}()
	go func() {
		defer wg.Done()
		coord.SubmitAndWait(1, collab.AddressRange{Base: 0x3000, Length: 0x1000}, TargetKernel, 0)
	}()
	wg.Wait()

	if got := pt.FlushCount(); got != 4 {
		t.Fatalf("FlushCount = %d, want 4 (2 submitters x local+remote)", got)
	}
}

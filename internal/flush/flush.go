// Package flush implements component B, the TLB-shootdown / flush-request
// coordinator: per-executor queues of pending flush requests, fanned out
// with targeted IPIs and committed with a pending-count barrier (spec
// §4.B). It is the only part of the core that never takes an allocator
// lock (spec §5) — it exists so that F and E can invalidate mappings.
package flush

import (
	"runtime"
	"sync/atomic"

	"mazarin/internal/collab"
)

// Target names who a request must reach.
type Target uint8

const (
	TargetKernel Target = iota
	TargetUser
)

// flushNode is the per-executor attachment node. Its storage lives inside
// the owning Request (spec §3: "exists on the submitter's stack until
// pending_count == 0"); it is never heap-allocated separately.
type flushNode struct {
	next atomic.Pointer[flushNode]
	req  *Request
}

// Request is a single flush request in flight, with one node pre-carved
// per possible executor so fan-out never allocates.
type Request struct {
	Range   collab.AddressRange
	Target  Target
	Process collab.ProcessID

	pending atomic.Int32
	nodes   []flushNode
}

func newRequest(r collab.AddressRange, target Target, proc collab.ProcessID, numExecutors int) *Request {
	req := &Request{Range: r, Target: target, Process: proc, nodes: make([]flushNode, numExecutors)}
	for i := range req.nodes {
		req.nodes[i].req = req
	}
	return req
}

// Coordinator owns the per-executor queues and the collaborators needed to
// fan a request out and commit it.
type Coordinator struct {
	numExecutors int
	queues       []atomic.Pointer[flushNode] // one per executor, owner-consumed
	pageTable    collab.PageTable
	interrupts   collab.InterruptSender
	attachment   collab.ProcessAttachment // may be nil; nil means every executor is attached
}

// New constructs a coordinator for numExecutors CPUs. attachment may be nil
// if the caller never issues TargetUser requests.
func New(numExecutors int, pageTable collab.PageTable, interrupts collab.InterruptSender, attachment collab.ProcessAttachment) *Coordinator {
	return &Coordinator{
		numExecutors: numExecutors,
		queues:       make([]atomic.Pointer[flushNode], numExecutors),
		pageTable:    pageTable,
		interrupts:   interrupts,
		attachment:   attachment,
	}
}

// SubmitAndWait runs the four-step protocol of spec §4.B: fan out a node
// and an IPI to every executor but self, run the local flush, then spin on
// pending_count while draining self's own queue so another coordinator's
// request never deadlocks against this one.
func (c *Coordinator) SubmitAndWait(self int, r collab.AddressRange, target Target, proc collab.ProcessID) {
	req := newRequest(r, target, proc, c.numExecutors)
	req.pending.Store(1)

	for exec := 0; exec < c.numExecutors; exec++ {
		if exec == self {
			continue
		}
		req.pending.Add(1)
		c.push(exec, &req.nodes[exec])
		c.interrupts.SendFlushIPI(exec)
	}

	// Local flush: the submitter's own half of step 3.
	c.pageTable.FlushCache(r)
	req.pending.Add(-1)

	for req.pending.Load() != 0 {
		c.ProcessPendingOnSelf(self)
		runtime.Gosched()
	}
	// A peer submitter that released this request did so while spinning,
	// after it had already queued its own node here: service that node
	// before returning so the peer is not left waiting on this executor.
	c.ProcessPendingOnSelf(self)
}

// ProcessPendingOnSelf drains executor self's queue, applying each
// request's flush (or skipping it, for a TargetUser request aimed at a
// process this executor is not attached to) and decrementing its pending
// count exactly once. It is the named core API entry point an IPI handler
// calls (spec §6), and SubmitAndWait also calls it on the submitter while
// it spins.
func (c *Coordinator) ProcessPendingOnSelf(self int) {
	node := c.popAll(self)
	for node != nil {
		next := node.next.Load()
		c.service(self, node.req)
		node.req.pending.Add(-1)
		node = next
	}
}

func (c *Coordinator) service(executor int, req *Request) {
	if req.Target == TargetUser && c.attachment != nil && !c.attachment.IsAttached(executor, req.Process) {
		return
	}
	c.pageTable.FlushCache(req.Range)
}

func (c *Coordinator) push(executor int, n *flushNode) {
	for {
		head := c.queues[executor].Load()
		n.next.Store(head)
		if c.queues[executor].CompareAndSwap(head, n) {
			return
		}
	}
}

// popAll atomically takes the whole queue for executor, single-consumer
// by its owner.
func (c *Coordinator) popAll(executor int) *flushNode {
	return c.queues[executor].Swap(nil)
}

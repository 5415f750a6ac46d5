// Package backend implements the GPU-side batch-plan follower: a
// deadline-driven executor that accepts externally computed batch plans and
// dispatches each to its model instance at the plan's intended execution
// time, under a strict no-overlap guarantee.
package backend

import "errors"

// ErrPlanOverlap reports that a plan's deadline fired while the previous
// batch was still executing. The upstream scheduler violated its own plan;
// the follower treats it as a process-level bug.
var ErrPlanOverlap = errors.New("batch plan overlaps executing batch")

// BatchPlan is an externally produced, deadline-carrying work unit
// enumerating the queries to run in one GPU invocation. Immutable after
// arrival; consumed exactly once.
type BatchPlan struct {
	PlanID               uint64
	ModelIndex           uint32
	ExecTimeNS           int64
	ExpectedFinishTimeNS int64
	Queries              []PlanQuery
}

// PlanQuery identifies one query inside a batch plan.
type PlanQuery struct {
	QueryID  uint64
	GlobalID uint64
}

// ModelExecutor is the external model instance the follower drives. Execute
// is synchronous on the follower thread and returns only when the batch has
// finished on the GPU.
type ModelExecutor interface {
	ModelIndex() uint32
	Execute(plan *BatchPlan)
}

// planHeap is a min-heap of plans keyed by ExecTimeNS.
type planHeap []*BatchPlan

func (h planHeap) Len() int { return len(h) }
func (h planHeap) Less(i, j int) bool { return h[i].ExecTimeNS < h[j].ExecTimeNS }
func (h planHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *planHeap) Push(x any) { *h = append(*h, x.(*BatchPlan)) }
func (h *planHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

package backend

import (
	"container/heap"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dengwxn/nexuslb/internal/executor"
	"github.com/dengwxn/nexuslb/internal/metrics"
)

// delayWarnThreshold is the start/finish lateness beyond which the follower
// emits a warning.
const delayWarnThreshold = 100 * time.Microsecond

// PlanFollower orders incoming batch plans on a time-priority queue, wakes
// at the earliest deadline, and dispatches each plan to its model instance.
// A single executor thread runs every Execute call; the isExecuting flag
// turns any overlap into a fatal bug report rather than a silent queue.
type PlanFollower struct {
	gpuID int
	exec  *executor.Executor
	timer *executor.Timer

	mu     sync.Mutex
	models []ModelExecutor
	plans  planHeap
	armed  time.Time

	isExecuting atomic.Bool

	// fatalf reports invariant violations. Defaults to zerolog's Fatal,
	// which exits the process; tests substitute a recorder.
	fatalf func(format string, args ...any)
}

// NewPlanFollower creates a follower for one GPU.
func NewPlanFollower(gpuID int) *PlanFollower {
	exec := executor.New()
	return &PlanFollower{
		gpuID: gpuID,
		exec:  exec,
		timer: executor.NewTimer(exec),
		fatalf: func(format string, args ...any) {
			log.Fatal().Msgf(format, args...)
		},
	}
}

// Start launches the follower thread.
func (f *PlanFollower) Start() {
	go f.exec.Run()
	log.Info().Int("gpu_id", f.gpuID).Msg("plan follower started")
}

// Stop drains the follower thread and returns once it has exited.
func (f *PlanFollower) Stop() {
	f.timer.Stop()
	f.exec.Stop()
}

// AddModel installs a model instance at its model index. Installing over an
// occupied slot is a bug.
func (f *PlanFollower) AddModel(m ModelExecutor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(m.ModelIndex())
	if idx >= len(f.models) {
		grown := make([]ModelExecutor, idx+1)
		copy(grown, f.models)
		f.models = grown
	}
	if f.models[idx] != nil {
		f.fatalf("model index %d already occupied", idx)
		return
	}
	f.models[idx] = m
}

// RemoveModel clears a model's slot. The slot must hold that model.
func (f *PlanFollower) RemoveModel(m ModelExecutor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(m.ModelIndex())
	if idx >= len(f.models) || f.models[idx] != m {
		f.fatalf("removing model index %d that is not installed", idx)
		return
	}
	f.models[idx] = nil
}

// AddBatchPlan accepts a plan and re-arms the deadline timer when the heap
// top changed.
func (f *PlanFollower) AddBatchPlan(plan *BatchPlan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	heap.Push(&f.plans, plan)
	f.updateTimerLocked()
}

// PendingPlans returns the number of queued plans.
func (f *PlanFollower) PendingPlans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plans)
}

// updateTimerLocked arms the timer for the heap top's deadline when it
// differs from the currently armed deadline. An empty heap leaves any armed
// timer to fire and no-op.
func (f *PlanFollower) updateTimerLocked() {
	if len(f.plans) == 0 {
		return
	}
	deadline := time.Unix(0, f.plans[0].ExecTimeNS)
	if deadline.Equal(f.armed) {
		return
	}
	f.armed = deadline
	f.timer.SetTimeout(deadline)
	f.timer.AsyncWait(f.onTimer)
}

func (f *PlanFollower) onTimer(err error) {
	if err != nil {
		// Superseded by a re-arm; the new wait owns the deadline.
		if !errors.Is(err, executor.ErrCancelled) {
			log.Error().Err(err).Msg("plan timer failed")
		}
		return
	}
	startTime := time.Now()

	f.mu.Lock()
	if len(f.plans) == 0 {
		f.mu.Unlock()
		log.Error().Msg("woke up without batch plan to run")
		return
	}
	plan := heap.Pop(&f.plans).(*BatchPlan)
	var model ModelExecutor
	if int(plan.ModelIndex) < len(f.models) {
		model = f.models[plan.ModelIndex]
	}
	if model == nil {
		log.Error().
			Uint32("model_index", plan.ModelIndex).
			Uint64("plan_id", plan.PlanID).
			Msg("cannot find model for batch plan")
		f.armed = time.Time{}
		f.updateTimerLocked()
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	startDelay := startTime.Sub(time.Unix(0, plan.ExecTimeNS))
	if startDelay > delayWarnThreshold {
		log.Warn().
			Uint64("plan_id", plan.PlanID).
			Uint32("model_index", plan.ModelIndex).
			Dur("start_delay", startDelay).
			Msg("huge start delay")
	}
	log.Debug().
		Uint64("plan_id", plan.PlanID).
		Uint32("model_index", plan.ModelIndex).
		Int("batch_size", len(plan.Queries)).
		Dur("start_delay", startDelay).
		Msg("executing batch plan")

	if f.isExecuting.Swap(true) {
		f.fatalf("%v: plan %d fired before the previous batch finished",
			ErrPlanOverlap, plan.PlanID)
		return
	}
	model.Execute(plan)

	finishTime := time.Now()
	finishDelay := finishTime.Sub(time.Unix(0, plan.ExpectedFinishTimeNS))
	elapsed := finishTime.Sub(startTime)
	metrics.PlanStartDelay.Observe(float64(startDelay.Microseconds()))
	metrics.PlanFinishDelay.Observe(float64(finishDelay.Microseconds()))
	metrics.PlansExecutedTotal.WithLabelValues(strconv.Itoa(int(plan.ModelIndex))).Inc()
	if finishDelay > delayWarnThreshold {
		log.Warn().
			Uint64("plan_id", plan.PlanID).
			Uint32("model_index", plan.ModelIndex).
			Dur("start_delay", startDelay).
			Dur("finish_delay", finishDelay).
			Msg("huge finish delay")
	}
	log.Debug().
		Uint64("plan_id", plan.PlanID).
		Dur("elapse", elapsed).
		Dur("finish_delay", finishDelay).
		Msg("batch plan finished")

	f.isExecuting.Store(false)
	f.mu.Lock()
	f.armed = time.Time{}
	f.updateTimerLocked()
	f.mu.Unlock()
}

// String implements fmt.Stringer for log context.
func (f *PlanFollower) String() string {
	return fmt.Sprintf("PlanFollower(gpu=%d)", f.gpuID)
}

package backend

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingModel captures every executed plan with its wall-clock start.
type recordingModel struct {
	index uint32
	sleep time.Duration

	mu    sync.Mutex
	plans []*BatchPlan
	start []time.Time
}

func (m *recordingModel) ModelIndex() uint32 { return m.index }

func (m *recordingModel) Execute(plan *BatchPlan) {
	m.mu.Lock()
	m.plans = append(m.plans, plan)
	m.start = append(m.start, time.Now())
	m.mu.Unlock()
	if m.sleep > 0 {
		time.Sleep(m.sleep)
	}
}

func (m *recordingModel) executed() []*BatchPlan {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*BatchPlan, len(m.plans))
	copy(out, m.plans)
	return out
}

func (m *recordingModel) startTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, len(m.start))
	copy(out, m.start)
	return out
}

// fatalRecorder substitutes the follower's process-exiting fatal handler.
type fatalRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *fatalRecorder) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, fmt.Sprintf(format, args...))
}

func (r *fatalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *fatalRecorder) first() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return ""
	}
	return r.msgs[0]
}

func startFollower(t *testing.T) (*PlanFollower, *fatalRecorder) {
	t.Helper()
	f := NewPlanFollower(0)
	rec := &fatalRecorder{}
	f.fatalf = rec.record
	f.Start()
	t.Cleanup(f.Stop)
	return f, rec
}

func TestFollowerExecutesInDeadlineOrder(t *testing.T) {
	f, _ := startFollower(t)
	model := &recordingModel{index: 0}
	f.AddModel(model)

	now := time.Now()
	// Inserted out of order: deadlines at +30ms, +10ms, +20ms.
	for _, offset := range []time.Duration{30, 10, 20} {
		f.AddBatchPlan(&BatchPlan{
			PlanID:               uint64(offset),
			ModelIndex:           0,
			ExecTimeNS:           now.Add(offset * time.Millisecond).UnixNano(),
			ExpectedFinishTimeNS: now.Add((offset + 1) * time.Millisecond).UnixNano(),
		})
	}

	require.Eventually(t, func() bool {
		return len(model.executed()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	plans := model.executed()
	assert.Equal(t, uint64(10), plans[0].PlanID)
	assert.Equal(t, uint64(20), plans[1].PlanID)
	assert.Equal(t, uint64(30), plans[2].PlanID)

	for i, at := range model.startTimes() {
		deadline := time.Unix(0, plans[i].ExecTimeNS)
		assert.False(t, at.Before(deadline),
			"plan %d started %s before its deadline", plans[i].PlanID, deadline.Sub(at))
	}
	assert.Equal(t, 0, f.PendingPlans())
}

func TestFollowerExecutesSequentially(t *testing.T) {
	f, fatals := startFollower(t)
	model := &recordingModel{index: 1, sleep: 20 * time.Millisecond}
	f.AddModel(model)

	now := time.Now()
	for i := 0; i < 3; i++ {
		f.AddBatchPlan(&BatchPlan{
			PlanID:               uint64(i),
			ModelIndex:           1,
			ExecTimeNS:           now.Add(time.Duration(i) * time.Nanosecond).UnixNano(),
			ExpectedFinishTimeNS: now.Add(25 * time.Millisecond).UnixNano(),
		})
	}

	require.Eventually(t, func() bool {
		return len(model.executed()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	// Back-to-back deadlines serialize on the follower thread without
	// tripping the overlap guard.
	assert.Equal(t, 0, fatals.count())
	starts := model.startTimes()
	for i := 1; i < len(starts); i++ {
		assert.False(t, starts[i].Before(starts[i-1].Add(model.sleep)),
			"execution %d overlapped its predecessor", i)
	}
}

func TestFollowerOverlapGuard(t *testing.T) {
	f, fatals := startFollower(t)
	model := &recordingModel{index: 0}
	f.AddModel(model)

	// Another executor is mid-batch: the deadline firing now is a scheduler
	// bug and must be fatal.
	f.isExecuting.Store(true)
	f.AddBatchPlan(&BatchPlan{
		PlanID:     99,
		ModelIndex: 0,
		ExecTimeNS: time.Now().UnixNano(),
	})

	require.Eventually(t, func() bool {
		return fatals.count() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, fatals.first(), ErrPlanOverlap.Error())
	assert.Empty(t, model.executed())
}

func TestFollowerMissingModelRearms(t *testing.T) {
	f, _ := startFollower(t)
	model := &recordingModel{index: 0}
	f.AddModel(model)

	now := time.Now()
	// The unknown model's plan is dropped with a log; the known one still
	// runs.
	f.AddBatchPlan(&BatchPlan{
		PlanID:     1,
		ModelIndex: 7,
		ExecTimeNS: now.Add(5 * time.Millisecond).UnixNano(),
	})
	f.AddBatchPlan(&BatchPlan{
		PlanID:     2,
		ModelIndex: 0,
		ExecTimeNS: now.Add(10 * time.Millisecond).UnixNano(),
	})

	require.Eventually(t, func() bool {
		return len(model.executed()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), model.executed()[0].PlanID)
}

func TestFollowerAddModelTwiceIsFatal(t *testing.T) {
	f, fatals := startFollower(t)
	f.AddModel(&recordingModel{index: 3})
	f.AddModel(&recordingModel{index: 3})
	require.Equal(t, 1, fatals.count())
	assert.Contains(t, fatals.first(), "already occupied")
}

func TestFollowerRemoveModel(t *testing.T) {
	f, fatals := startFollower(t)
	model := &recordingModel{index: 2}
	f.AddModel(model)
	f.RemoveModel(model)
	assert.Equal(t, 0, fatals.count())

	f.RemoveModel(model)
	require.Equal(t, 1, fatals.count())
	assert.Contains(t, fatals.first(), "not installed")
}

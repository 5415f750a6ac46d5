// Package models provides model-executor implementations for the plan
// follower. The sleep model stands in for a real framework binding in tests
// and load runs, exercising the serving path with a known latency profile.
package models

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dengwxn/nexuslb/internal/backend"
)

// SleepProfile parameterizes a synthetic model's latency.
type SleepProfile struct {
	Base     time.Duration
	PerQuery time.Duration
}

// Latency returns the synthetic execution time for a batch size.
func (p SleepProfile) Latency(batch int) time.Duration {
	return p.Base + time.Duration(batch)*p.PerQuery
}

// SleepModel is a model executor that sleeps for its profile's latency. It
// stands in for a framework binding when profiling the serving path itself.
type SleepModel struct {
	index   uint32
	profile SleepProfile
}

// NewSleepModel creates a sleep model for the given model index.
func NewSleepModel(index uint32, profile SleepProfile) *SleepModel {
	return &SleepModel{index: index, profile: profile}
}

func (m *SleepModel) ModelIndex() uint32 { return m.index }

func (m *SleepModel) Execute(plan *backend.BatchPlan) {
	d := m.profile.Latency(len(plan.Queries))
	log.Debug().
		Uint64("plan_id", plan.PlanID).
		Uint32("model_index", m.index).
		Int("batch_size", len(plan.Queries)).
		Dur("latency", d).
		Msg("sleep model executing")
	time.Sleep(d)
}

// Package services collects the constructed workflowd services behind a
// single registry so transports share one wiring.
package services

import (
	"github.com/fyrsmithlabs/workflowd/internal/compensation"
	"github.com/fyrsmithlabs/workflowd/internal/eventbus"
	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/gate"
	"github.com/fyrsmithlabs/workflowd/internal/snapshot"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

// Registry provides access to all workflowd services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Gate() *gate.Gate
	Engine() *workflow.Engine
	Snapshots() snapshot.Repository
	Freshness() *freshness.Tracker
	Bus() *eventbus.Bus
	Reaper() *workflow.Reaper
	Compensation() *compensation.Manager
}

// Options configures the registry with service instances.
type Options struct {
	Gate         *gate.Gate
	Engine       *workflow.Engine
	Snapshots    snapshot.Repository
	Freshness    *freshness.Tracker
	Bus          *eventbus.Bus
	Reaper       *workflow.Reaper
	Compensation *compensation.Manager
}

type registry struct {
	gate         *gate.Gate
	engine       *workflow.Engine
	snapshots    snapshot.Repository
	freshness    *freshness.Tracker
	bus          *eventbus.Bus
	reaper       *workflow.Reaper
	compensation *compensation.Manager
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		gate:         opts.Gate,
		engine:       opts.Engine,
		snapshots:    opts.Snapshots,
		freshness:    opts.Freshness,
		bus:          opts.Bus,
		reaper:       opts.Reaper,
		compensation: opts.Compensation,
	}
}

func (r *registry) Gate() *gate.Gate                    { return r.gate }
func (r *registry) Engine() *workflow.Engine            { return r.engine }
func (r *registry) Snapshots() snapshot.Repository      { return r.snapshots }
func (r *registry) Freshness() *freshness.Tracker       { return r.freshness }
func (r *registry) Bus() *eventbus.Bus                  { return r.bus }
func (r *registry) Reaper() *workflow.Reaper            { return r.reaper }
func (r *registry) Compensation() *compensation.Manager { return r.compensation }

// ABOUTME: ActivityAggregator folding stream events into per-agent state and a session trace
// ABOUTME: Time comes from event timestamps so replaying a sequence yields the same snapshot

package activity

import (
	"math"
	"sync"
	"time"

	"github.com/2389/coven-stream/internal/streaming"
)

// Status is the lifecycle state of one agent within a session.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
)

// AgentActivity is the live state of one agent.
type AgentActivity struct {
	AgentName   string
	Status      Status
	Progress    *float64
	CurrentTool string
	StartTime   time.Time
	LastUpdate  time.Time
}

// Trace records the whole analysis session.
type Trace struct {
	Events        []streaming.StreamEvent
	AgentsCalled  []string
	TotalProgress float64
	StartTime     time.Time
	EndTime       *time.Time
}

// Snapshot is an immutable copy of the aggregator state.
type Snapshot struct {
	Activities map[string]AgentActivity
	Trace      Trace
}

// Done reports whether a terminal event has been applied.
func (s Snapshot) Done() bool {
	return s.Trace.EndTime != nil
}

// Aggregator consumes StreamEvents for one session. Safe for concurrent use.
type Aggregator struct {
	mu         sync.Mutex
	activities map[string]*AgentActivity
	trace      Trace
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{activities: make(map[string]*AgentActivity)}
}

// Apply folds one event into the state. Events must be applied in receipt order.
func (a *Aggregator) Apply(ev streaming.StreamEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := ev.Timestamp
	a.trace.Events = append(a.trace.Events, ev)
	if a.trace.StartTime.IsZero() {
		a.trace.StartTime = ts
	}

	var agent *AgentActivity
	if ev.AgentName != "" {
		agent = a.called(ev.AgentName, ts)
		agent.LastUpdate = ts
	}

	if ev.Progress != nil {
		p := clamp(*ev.Progress)
		if agent != nil && agent.Status != StatusComplete {
			agent.Progress = raise(agent.Progress, p)
		}
		if p > a.trace.TotalProgress {
			a.trace.TotalProgress = p
		}
	}

	switch p := ev.Payload.(type) {
	case streaming.OrchestrationStartPayload:
		// Planned agents are known but not yet called
		for _, name := range p.Agents {
			a.ensure(name, ts)
		}
	case streaming.AgentActivePayload:
		if agent != nil && agent.Status != StatusComplete {
			agent.Status = StatusActive
		}
	case streaming.ToolUsagePayload:
		if agent != nil && agent.Status != StatusComplete {
			agent.Status = StatusActive
			agent.CurrentTool = p.Tool
		}
	case streaming.AnalysisCompletePayload:
		if agent != nil {
			completeAgent(agent, ts)
		}
	case streaming.CompletePayload, streaming.OrchestrationCompletePayload:
		a.finish(ev, ts)
	}
}

// finish applies the terminal event. Only the first one sets EndTime.
func (a *Aggregator) finish(ev streaming.StreamEvent, ts time.Time) {
	for _, act := range a.activities {
		if act.Status != StatusComplete {
			completeAgent(act, ts)
		}
	}
	if !ev.Failed() {
		a.trace.TotalProgress = 100
	}
	if a.trace.EndTime == nil {
		end := ts
		a.trace.EndTime = &end
	}
}

func completeAgent(act *AgentActivity, ts time.Time) {
	act.Status = StatusComplete
	act.CurrentTool = ""
	act.Progress = raise(act.Progress, 100)
	act.LastUpdate = ts
}

// ensure returns the activity for name, creating it idle.
func (a *Aggregator) ensure(name string, ts time.Time) *AgentActivity {
	act, ok := a.activities[name]
	if !ok {
		act = &AgentActivity{
			AgentName:  name,
			Status:     StatusIdle,
			StartTime:  ts,
			LastUpdate: ts,
		}
		a.activities[name] = act
	}
	return act
}

// called returns the activity for name and records it in AgentsCalled.
func (a *Aggregator) called(name string, ts time.Time) *AgentActivity {
	act := a.ensure(name, ts)
	for _, existing := range a.trace.AgentsCalled {
		if existing == name {
			return act
		}
	}
	a.trace.AgentsCalled = append(a.trace.AgentsCalled, name)
	return act
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Activities: make(map[string]AgentActivity, len(a.activities)),
		Trace: Trace{
			Events:        append([]streaming.StreamEvent(nil), a.trace.Events...),
			AgentsCalled:  append([]string(nil), a.trace.AgentsCalled...),
			TotalProgress: a.trace.TotalProgress,
			StartTime:     a.trace.StartTime,
		},
	}
	if a.trace.EndTime != nil {
		end := *a.trace.EndTime
		snap.Trace.EndTime = &end
	}
	for name, act := range a.activities {
		cp := *act
		if act.Progress != nil {
			p := *act.Progress
			cp.Progress = &p
		}
		snap.Activities[name] = cp
	}
	return snap
}

// Reset clears all state for a new session.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activities = make(map[string]*AgentActivity)
	a.trace = Trace{}
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// raise returns a pointer to max(current, p).
func raise(current *float64, p float64) *float64 {
	if current != nil && *current >= p {
		return current
	}
	return &p
}

// ABOUTME: Tests for the ActivityAggregator state machine and trace
// ABOUTME: Covers transitions, progress clamping, terminal handling and replay determinism

package activity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-stream/internal/streaming"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// event decodes a wire frame stamped at base+offset seconds.
func event(t *testing.T, offset int, frame string) streaming.StreamEvent {
	t.Helper()
	ev, err := streaming.DecodeEvent([]byte(frame), base.Add(time.Duration(offset)*time.Second))
	require.NoError(t, err)
	return ev
}

func scenario(t *testing.T) []streaming.StreamEvent {
	return []streaming.StreamEvent{
		event(t, 0, `{"type":"start","message":"analysis started"}`),
		event(t, 1, `{"type":"agent_active","agent_name":"analyst"}`),
		event(t, 2, `{"type":"tool_usage","agent_name":"analyst","data":{"tool":"sql_query"}}`),
		event(t, 3, `{"type":"progress","agent_name":"analyst","progress":40}`),
		event(t, 4, `{"type":"agent_active","agent_name":"critic"}`),
		event(t, 5, `{"type":"analysis_complete","agent_name":"analyst"}`),
		event(t, 6, `{"type":"complete","message":"done"}`),
	}
}

func TestAggregator_StateMachine(t *testing.T) {
	a := New()
	evs := scenario(t)

	for _, ev := range evs[:3] {
		a.Apply(ev)
	}
	snap := a.Snapshot()
	require.Contains(t, snap.Activities, "analyst")
	analyst := snap.Activities["analyst"]
	assert.Equal(t, StatusActive, analyst.Status)
	assert.Equal(t, "sql_query", analyst.CurrentTool)
	assert.Equal(t, base.Add(time.Second), analyst.StartTime)
	assert.Equal(t, base.Add(2*time.Second), analyst.LastUpdate)

	for _, ev := range evs[3:6] {
		a.Apply(ev)
	}
	snap = a.Snapshot()
	assert.Equal(t, StatusComplete, snap.Activities["analyst"].Status)
	assert.Empty(t, snap.Activities["analyst"].CurrentTool)
	assert.Equal(t, StatusActive, snap.Activities["critic"].Status)
	assert.Equal(t, []string{"analyst", "critic"}, snap.Trace.AgentsCalled)
	assert.Nil(t, snap.Trace.EndTime)
	assert.False(t, snap.Done())

	a.Apply(evs[6])
	snap = a.Snapshot()
	assert.Equal(t, StatusComplete, snap.Activities["critic"].Status)
	assert.Equal(t, 100.0, snap.Trace.TotalProgress)
	require.NotNil(t, snap.Trace.EndTime)
	assert.Equal(t, base.Add(6*time.Second), *snap.Trace.EndTime)
	assert.Equal(t, base, snap.Trace.StartTime)
	assert.Len(t, snap.Trace.Events, len(evs))
	assert.True(t, snap.Done())
}

func TestAggregator_ReplayIsDeterministic(t *testing.T) {
	evs := scenario(t)

	first := New()
	second := New()
	for _, ev := range evs {
		first.Apply(ev)
	}
	for _, ev := range evs {
		second.Apply(ev)
	}

	assert.Equal(t, first.Snapshot(), second.Snapshot())
}

func TestAggregator_CompleteAgentStaysComplete(t *testing.T) {
	a := New()
	a.Apply(event(t, 0, `{"type":"agent_active","agent_name":"analyst"}`))
	a.Apply(event(t, 1, `{"type":"analysis_complete","agent_name":"analyst"}`))
	a.Apply(event(t, 2, `{"type":"agent_active","agent_name":"analyst"}`))
	a.Apply(event(t, 3, `{"type":"tool_usage","agent_name":"analyst","message":"web_search"}`))

	analyst := a.Snapshot().Activities["analyst"]
	assert.Equal(t, StatusComplete, analyst.Status)
	assert.Empty(t, analyst.CurrentTool)
	require.NotNil(t, analyst.Progress)
	assert.Equal(t, 100.0, *analyst.Progress)
}

func TestAggregator_ProgressClampedAndMonotonic(t *testing.T) {
	tests := []struct {
		values []float64
		want   float64
	}{
		{[]float64{10, 30, 20}, 30},
		{[]float64{-5}, 0},
		{[]float64{50, 250}, 100},
		{[]float64{70, -1, 60}, 70},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.values), func(t *testing.T) {
			a := New()
			for i, v := range tt.values {
				a.Apply(event(t, i, fmt.Sprintf(`{"type":"progress","agent_name":"analyst","progress":%v}`, v)))
			}
			snap := a.Snapshot()
			assert.Equal(t, tt.want, snap.Trace.TotalProgress)
			require.NotNil(t, snap.Activities["analyst"].Progress)
			assert.Equal(t, tt.want, *snap.Activities["analyst"].Progress)
		})
	}
}

func TestAggregator_EndTimeSetOnce(t *testing.T) {
	a := New()
	a.Apply(event(t, 0, `{"type":"orchestration_complete"}`))
	a.Apply(event(t, 5, `{"type":"complete"}`))

	snap := a.Snapshot()
	require.NotNil(t, snap.Trace.EndTime)
	assert.Equal(t, base, *snap.Trace.EndTime)
}

func TestAggregator_FailedTerminalKeepsProgress(t *testing.T) {
	a := New()
	a.Apply(event(t, 0, `{"type":"progress","progress":35}`))
	a.Apply(event(t, 1, `{"type":"complete","message":"analysis aborted","data":{"success":false}}`))

	snap := a.Snapshot()
	assert.Equal(t, 35.0, snap.Trace.TotalProgress)
	assert.NotNil(t, snap.Trace.EndTime)
}

func TestAggregator_OrchestrationStartPlansAgents(t *testing.T) {
	a := New()
	a.Apply(event(t, 0, `{"type":"orchestration_start","data":{"agents":["analyst","critic"]}}`))

	snap := a.Snapshot()
	assert.Equal(t, StatusIdle, snap.Activities["analyst"].Status)
	assert.Equal(t, StatusIdle, snap.Activities["critic"].Status)
	assert.Empty(t, snap.Trace.AgentsCalled)

	a.Apply(event(t, 1, `{"type":"agent_active","agent_name":"critic"}`))
	assert.Equal(t, []string{"critic"}, a.Snapshot().Trace.AgentsCalled)
}

func TestAggregator_UnknownEventsRecorded(t *testing.T) {
	a := New()
	a.Apply(event(t, 0, `{"type":"agent_thinking","agent_name":"analyst"}`))

	snap := a.Snapshot()
	assert.Len(t, snap.Trace.Events, 1)
	assert.Equal(t, StatusIdle, snap.Activities["analyst"].Status)
	assert.Equal(t, []string{"analyst"}, snap.Trace.AgentsCalled)
}

func TestAggregator_SnapshotIsACopy(t *testing.T) {
	a := New()
	a.Apply(event(t, 0, `{"type":"progress","agent_name":"analyst","progress":10}`))

	snap := a.Snapshot()
	*snap.Activities["analyst"].Progress = 99
	snap.Trace.AgentsCalled[0] = "mutated"

	fresh := a.Snapshot()
	assert.Equal(t, 10.0, *fresh.Activities["analyst"].Progress)
	assert.Equal(t, "analyst", fresh.Trace.AgentsCalled[0])
}

func TestAggregator_Reset(t *testing.T) {
	a := New()
	for _, ev := range scenario(t) {
		a.Apply(ev)
	}
	a.Reset()

	snap := a.Snapshot()
	assert.Empty(t, snap.Activities)
	assert.Empty(t, snap.Trace.Events)
	assert.Empty(t, snap.Trace.AgentsCalled)
	assert.Zero(t, snap.Trace.TotalProgress)
	assert.Nil(t, snap.Trace.EndTime)
}

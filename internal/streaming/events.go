// ABOUTME: StreamEvent tagged union for the multi-agent analysis event channel
// ABOUTME: Decodes one data-line JSON object into a typed payload keyed by event type

package streaming

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the closed tag set of the event channel.
type EventType string

const (
	EventStart                 EventType = "start"
	EventAgentActive           EventType = "agent_active"
	EventToolUsage             EventType = "tool_usage"
	EventProgress              EventType = "progress"
	EventAnalysisComplete      EventType = "analysis_complete"
	EventComplete              EventType = "complete"
	EventError                 EventType = "error"
	EventOrchestrationStart    EventType = "orchestration_start"
	EventOrchestrationComplete EventType = "orchestration_complete"

	// EventUnknown is assigned to any tag this client does not recognize.
	EventUnknown EventType = "unknown"
)

var knownEventTypes = map[EventType]bool{
	EventStart:                 true,
	EventAgentActive:           true,
	EventToolUsage:             true,
	EventProgress:              true,
	EventAnalysisComplete:      true,
	EventComplete:              true,
	EventError:                 true,
	EventOrchestrationStart:    true,
	EventOrchestrationComplete: true,
}

// ParseEventType maps a wire tag to an EventType. Hyphen and underscore
// separators are equivalent; unrecognized tags map to EventUnknown.
func ParseEventType(raw string) EventType {
	normalized := EventType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if knownEventTypes[normalized] {
		return normalized
	}
	return EventUnknown
}

// IsTerminal reports whether the type ends the logical session.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventOrchestrationComplete
}

// StreamEvent is one decoded frame of the event channel.
type StreamEvent struct {
	Type      EventType
	Message   string
	AgentName string
	Progress  *float64
	Data      map[string]any
	Timestamp time.Time
	Payload   Payload
}

// Payload is the type-specific view of an event. Switch on the concrete type.
type Payload interface {
	eventType() EventType
}

// StartPayload marks the beginning of an analysis session.
type StartPayload struct{}

// AgentActivePayload reports that an agent started working.
type AgentActivePayload struct {
	Agent string
}

// ToolUsagePayload reports the tool an agent is currently invoking.
type ToolUsagePayload struct {
	Agent string
	Tool  string
}

// ProgressPayload carries an overall or per-agent progress value.
type ProgressPayload struct {
	Agent    string
	Progress float64
}

// AnalysisCompletePayload reports that one agent finished.
type AnalysisCompletePayload struct {
	Agent string
}

// CompletePayload ends the session. Failed mirrors the failure flag in data.
type CompletePayload struct {
	Failed bool
	Reason string
}

// ErrorPayload reports a failure without ending the session.
type ErrorPayload struct {
	Reason string
}

// OrchestrationStartPayload lists the agents the orchestrator plans to call, if sent.
type OrchestrationStartPayload struct {
	Agents []string
}

// OrchestrationCompletePayload ends an orchestrated session.
type OrchestrationCompletePayload struct {
	Failed bool
	Reason string
}

// UnknownPayload preserves frames with unrecognized tags.
type UnknownPayload struct {
	RawType string
	Data    map[string]any
}

func (StartPayload) eventType() EventType                 { return EventStart }
func (AgentActivePayload) eventType() EventType           { return EventAgentActive }
func (ToolUsagePayload) eventType() EventType             { return EventToolUsage }
func (ProgressPayload) eventType() EventType              { return EventProgress }
func (AnalysisCompletePayload) eventType() EventType      { return EventAnalysisComplete }
func (CompletePayload) eventType() EventType              { return EventComplete }
func (ErrorPayload) eventType() EventType                 { return EventError }
func (OrchestrationStartPayload) eventType() EventType    { return EventOrchestrationStart }
func (OrchestrationCompletePayload) eventType() EventType { return EventOrchestrationComplete }
func (UnknownPayload) eventType() EventType               { return EventUnknown }

// wireEvent is the JSON shape of a data line.
type wireEvent struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type"`
	Message   string          `json:"message"`
	AgentName string          `json:"agent_name"`
	Agent     string          `json:"agent"`
	Progress  *float64        `json:"progress"`
	Data      map[string]any  `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// DecodeEvent parses one data-line payload. received stamps events whose
// timestamp is missing or unparseable.
func DecodeEvent(line []byte, received time.Time) (StreamEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return StreamEvent{}, fmt.Errorf("decoding event: %w", err)
	}

	rawType := w.Type
	if rawType == "" {
		rawType = w.EventType
	}
	if rawType == "" {
		return StreamEvent{}, fmt.Errorf("decoding event: missing type")
	}

	agent := w.AgentName
	if agent == "" {
		agent = w.Agent
	}

	ev := StreamEvent{
		Type:      ParseEventType(rawType),
		Message:   w.Message,
		AgentName: agent,
		Progress:  w.Progress,
		Data:      w.Data,
		Timestamp: parseTimestamp(w.Timestamp, received),
	}
	ev.Payload = buildPayload(ev, rawType)
	return ev, nil
}

// parseTimestamp accepts RFC 3339 strings or unix milliseconds.
func parseTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		return fallback
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms))
	}
	return fallback
}

func buildPayload(ev StreamEvent, rawType string) Payload {
	switch ev.Type {
	case EventStart:
		return StartPayload{}
	case EventAgentActive:
		return AgentActivePayload{Agent: ev.AgentName}
	case EventToolUsage:
		return ToolUsagePayload{Agent: ev.AgentName, Tool: toolName(ev)}
	case EventProgress:
		var p float64
		if ev.Progress != nil {
			p = *ev.Progress
		}
		return ProgressPayload{Agent: ev.AgentName, Progress: p}
	case EventAnalysisComplete:
		return AnalysisCompletePayload{Agent: ev.AgentName}
	case EventComplete:
		failed, reason := failureFlag(ev)
		return CompletePayload{Failed: failed, Reason: reason}
	case EventError:
		return ErrorPayload{Reason: errorReason(ev)}
	case EventOrchestrationStart:
		return OrchestrationStartPayload{Agents: stringList(ev.Data["agents"])}
	case EventOrchestrationComplete:
		failed, reason := failureFlag(ev)
		return OrchestrationCompletePayload{Failed: failed, Reason: reason}
	default:
		return UnknownPayload{RawType: rawType, Data: ev.Data}
	}
}

// Failed reports whether a terminal event carries the failure flag.
func (e StreamEvent) Failed() bool {
	switch p := e.Payload.(type) {
	case CompletePayload:
		return p.Failed
	case OrchestrationCompletePayload:
		return p.Failed
	}
	return false
}

// FailureReason returns the reason carried by an error event or a failed
// terminal event.
func (e StreamEvent) FailureReason() string {
	switch p := e.Payload.(type) {
	case ErrorPayload:
		return p.Reason
	case CompletePayload:
		return p.Reason
	case OrchestrationCompletePayload:
		return p.Reason
	}
	return ""
}

// toolName reads the tool from data, falling back to the message.
func toolName(ev StreamEvent) string {
	for _, key := range []string{"tool", "tool_name"} {
		if s, ok := ev.Data[key].(string); ok && s != "" {
			return s
		}
	}
	return ev.Message
}

// failureFlag inspects data for success=false, failed=true or a non-empty error.
func failureFlag(ev StreamEvent) (bool, string) {
	if ev.Data == nil {
		return false, ""
	}
	errText, _ := ev.Data["error"].(string)

	failed := errText != ""
	if success, ok := ev.Data["success"].(bool); ok && !success {
		failed = true
	}
	if f, ok := ev.Data["failed"].(bool); ok && f {
		failed = true
	}
	if !failed {
		return false, ""
	}

	if ev.Message != "" {
		return true, ev.Message
	}
	return true, errText
}

// errorReason prefers the event message and falls back to data.error.
func errorReason(ev StreamEvent) string {
	if ev.Message != "" {
		return ev.Message
	}
	s, _ := ev.Data["error"].(string)
	return s
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

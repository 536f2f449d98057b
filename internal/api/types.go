// ABOUTME: Request and response shapes of the collaborator endpoints
// ABOUTME: Timestamps tolerate RFC 3339, zone-less ISO 8601 and unix values

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ChatRequest is the body of the chat-submission endpoint.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// ChatResponse tells the caller how the answer will be delivered. When
// UseStreaming is false the answer is in Response.
type ChatResponse struct {
	ThreadID           string `json:"thread_id"`
	MessageID          string `json:"message_id"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	Response           string `json:"response,omitempty"`
	UseStreaming       bool   `json:"use_streaming"`
	Intent             string `json:"intent,omitempty"`
	Workflow           string `json:"workflow,omitempty"`
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// Conversation is a server-side conversation header.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt Time   `json:"created_at"`
	UpdatedAt Time   `json:"updated_at"`
}

// Message is one persisted message as returned by the listing endpoint.
type Message struct {
	ID         string          `json:"id"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Timestamp  Time            `json:"timestamp"`
	AgentTrace json.RawMessage `json:"agent_trace,omitempty"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
}

type listMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// Time decodes the timestamp formats the server has been seen to emit.
type Time struct {
	time.Time
}

// Zone-less layouts are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// UnmarshalJSON accepts a string in one of timeLayouts, unix seconds, or
// null.
func (t *Time) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("unrecognized timestamp %q", s)
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("unrecognized timestamp %s", data)
	}
	whole := int64(secs)
	t.Time = time.Unix(whole, int64((secs-float64(whole))*float64(time.Second))).UTC()
	return nil
}

// MarshalJSON writes RFC 3339 with nanoseconds.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

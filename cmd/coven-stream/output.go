// ABOUTME: Terminal output for conversations: messages, agent activity and trace summaries
// ABOUTME: Assistant markdown is flattened to plain text before printing

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/coven-stream/internal/activity"
	"github.com/2389/coven-stream/internal/conversation"
	"github.com/2389/coven-stream/internal/coordinator"
	"github.com/2389/coven-stream/internal/render"
	"github.com/2389/coven-stream/internal/streaming"
)

type printer struct {
	w   io.Writer
	now func() time.Time
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, now: time.Now}
}

// event prints one line of live agent activity. Events without anything
// worth showing print nothing.
func (p *printer) event(ev streaming.StreamEvent) {
	gray := color.New(color.FgHiBlack)

	switch pl := ev.Payload.(type) {
	case streaming.OrchestrationStartPayload:
		if len(pl.Agents) > 0 {
			gray.Fprintf(p.w, "  ▸ planning %s\n", strings.Join(pl.Agents, ", "))
		}
	case streaming.AgentActivePayload:
		if pl.Agent != "" {
			color.New(color.FgCyan).Fprintf(p.w, "  ▸ %s", pl.Agent)
			gray.Fprintln(p.w, " working")
		}
	case streaming.ToolUsagePayload:
		who := pl.Agent
		if who == "" {
			who = "agent"
		}
		gray.Fprintf(p.w, "  ⚙ %s using %s\n", who, pl.Tool)
	case streaming.ProgressPayload:
		label := "overall"
		if pl.Agent != "" {
			label = pl.Agent
		}
		gray.Fprintf(p.w, "  … %s %.0f%%\n", label, pl.Progress)
	case streaming.AnalysisCompletePayload:
		if pl.Agent != "" {
			color.New(color.FgGreen).Fprintf(p.w, "  ✓ %s", pl.Agent)
			gray.Fprintln(p.w, " finished")
		}
	}
}

func (p *printer) failure(err error) {
	color.New(color.FgRed).Fprintf(p.w, "  ✗ %v\n", err)
}

// trace prints a one-line summary of which agents ran and for how long.
func (p *printer) trace(snap activity.Snapshot) {
	t := snap.Trace
	if len(t.AgentsCalled) == 0 {
		return
	}

	line := "  agents: " + strings.Join(t.AgentsCalled, ", ")
	if t.EndTime != nil && !t.StartTime.IsZero() {
		line += fmt.Sprintf(" in %s", t.EndTime.Sub(t.StartTime).Round(100*time.Millisecond))
	}
	color.New(color.FgHiBlack).Fprintln(p.w, line)
}

// message prints one conversation message with its role and relative time.
func (p *printer) message(m conversation.Message) {
	var label *color.Color
	switch m.Role {
	case conversation.RoleUser:
		label = color.New(color.FgGreen, color.Bold)
	case conversation.RoleAssistant:
		label = color.New(color.FgCyan, color.Bold)
	default:
		label = color.New(color.FgYellow, color.Bold)
	}

	label.Fprint(p.w, string(m.Role))
	if !m.Timestamp.IsZero() {
		color.New(color.FgHiBlack).Fprintf(p.w, "  %s", humanize.RelTime(m.Timestamp, p.now(), "ago", "from now"))
	}
	if m.IsOptimistic {
		color.New(color.FgHiBlack).Fprint(p.w, "  (pending)")
	}
	fmt.Fprintln(p.w)

	body := m.Content
	if m.Role == conversation.RoleAssistant {
		body = render.PlainText(body)
	}
	fmt.Fprintln(p.w, body)
	fmt.Fprintln(p.w)
}

// reply prints the assistant text that followed the user message with id
// userMessageID. Without one it falls back to the last assistant message.
func (p *printer) reply(state conversation.State, userMessageID string) bool {
	start := -1
	for i, m := range state.Messages {
		if m.ID == userMessageID {
			start = i + 1
			break
		}
	}

	if start < 0 {
		for i := len(state.Messages) - 1; i >= 0; i-- {
			if state.Messages[i].Role == conversation.RoleAssistant {
				fmt.Fprintln(p.w, render.PlainText(state.Messages[i].Content))
				return true
			}
		}
		return false
	}

	printed := false
	for _, m := range state.Messages[start:] {
		if m.Role == conversation.RoleAssistant {
			fmt.Fprintln(p.w, render.PlainText(m.Content))
			printed = true
		}
	}
	return printed
}

// follow prints live activity for a conversation until its stream ends.
// Cancelling ctx cancels the stream.
func follow(ctx context.Context, coord *coordinator.Coordinator, conversationID string, updates <-chan coordinator.Update, p *printer) {
	// Subscribed after Send returned: if the stream already ended its
	// completion update may predate the subscription
	if _, live := coord.LiveSession(conversationID); !live {
		return
	}

	for {
		select {
		case <-ctx.Done():
			coord.Cancel(conversationID)
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch u.Kind {
			case coordinator.UpdateActivity:
				if u.Event != nil {
					p.event(*u.Event)
				}
			case coordinator.UpdateStreamFailed:
				p.failure(u.Err)
			case coordinator.UpdateStreamCompleted, coordinator.UpdateStreamCancelled:
				return
			}
		}
	}
}

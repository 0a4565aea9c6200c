// Package plugin implements the strfry plugin protocol: line-delimited
// JSON input messages on stdin, one output decision per line on stdout.
// The accept/reject answer is synchronous and independent of notification
// dispatch, which is queued before the decision is written.
package plugin

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopush/internal/config"
	"github.com/sandwichfarm/nopush/internal/ops"
)

// InputMessage is one inbound strfry plugin message.
type InputMessage struct {
	Type       string       `json:"type"`
	Event      *nostr.Event `json:"event"`
	ReceivedAt int64        `json:"receivedAt"`
	SourceType string       `json:"sourceType"`
	SourceInfo string       `json:"sourceInfo"`
}

// OutputMessage is the plugin's decision for one event.
type OutputMessage struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Msg    string `json:"msg,omitempty"`
}

// Enqueuer hands events to the dispatch engine without blocking.
type Enqueuer interface {
	Enqueue(event *nostr.Event) bool
}

// Filter runs the plugin loop.
type Filter struct {
	engine Enqueuer
	reject bool
	logger *ops.Logger
}

// NewFilter creates a plugin filter feeding the given engine.
func NewFilter(engine Enqueuer, cfg *config.Plugin, logger *ops.Logger) *Filter {
	return &Filter{
		engine: engine,
		reject: cfg.Reject,
		logger: logger.WithComponent("plugin"),
	}
}

// Run reads input messages until EOF and writes one decision per event.
// Malformed lines are logged and skipped; they never stop the loop, since
// the host keeps the pipe open for the relay's lifetime.
func (f *Filter) Run(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	encoder := json.NewEncoder(w)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg InputMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			f.logger.Warn("skipping malformed input message", "error", err)
			continue
		}
		if msg.Event == nil || msg.Event.ID == "" {
			f.logger.Warn("skipping input message without event")
			continue
		}

		// Queue first so a slow stdout writer cannot delay dispatch.
		f.engine.Enqueue(msg.Event)

		out := OutputMessage{ID: msg.Event.ID, Action: "accept"}
		if f.reject {
			out.Action = "reject"
			out.Msg = "filter configured to reject all notes"
		}
		if err := encoder.Encode(out); err != nil {
			return fmt.Errorf("failed to write output message: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

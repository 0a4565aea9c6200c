package plugin

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopush/internal/config"
	"github.com/sandwichfarm/nopush/internal/ops"
)

type fakeEnqueuer struct {
	events []*nostr.Event
}

func (f *fakeEnqueuer) Enqueue(event *nostr.Event) bool {
	f.events = append(f.events, event)
	return true
}

func testFilter(t *testing.T, reject bool) (*Filter, *fakeEnqueuer) {
	t.Helper()
	engine := &fakeEnqueuer{}
	logger := ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
	return NewFilter(engine, &config.Plugin{Reject: reject}, logger), engine
}

func inputLine(t *testing.T, event *nostr.Event) string {
	t.Helper()
	data, err := json.Marshal(InputMessage{Type: "new", Event: event})
	if err != nil {
		t.Fatalf("Failed to marshal input: %v", err)
	}
	return string(data) + "\n"
}

func decodeOutputs(t *testing.T, buf *bytes.Buffer) []OutputMessage {
	t.Helper()
	var outputs []OutputMessage
	decoder := json.NewDecoder(buf)
	for decoder.More() {
		var out OutputMessage
		if err := decoder.Decode(&out); err != nil {
			t.Fatalf("Failed to decode output: %v", err)
		}
		outputs = append(outputs, out)
	}
	return outputs
}

func TestRun_AcceptsAndEnqueues(t *testing.T) {
	filter, engine := testFilter(t, false)

	event := &nostr.Event{ID: "e1", PubKey: "alice", Kind: 1}
	var out bytes.Buffer
	if err := filter.Run(strings.NewReader(inputLine(t, event)), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(engine.events) != 1 || engine.events[0].ID != "e1" {
		t.Errorf("Enqueued events = %v, want [e1]", engine.events)
	}

	outputs := decodeOutputs(t, &out)
	if len(outputs) != 1 {
		t.Fatalf("Got %d outputs, want 1", len(outputs))
	}
	if outputs[0].ID != "e1" || outputs[0].Action != "accept" {
		t.Errorf("Output = %+v, want accept for e1", outputs[0])
	}
}

func TestRun_RejectModeStillEnqueues(t *testing.T) {
	filter, engine := testFilter(t, true)

	event := &nostr.Event{ID: "e1", PubKey: "alice", Kind: 1}
	var out bytes.Buffer
	if err := filter.Run(strings.NewReader(inputLine(t, event)), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Rejecting the note does not suppress notification dispatch.
	if len(engine.events) != 1 {
		t.Errorf("Enqueued %d events, want 1", len(engine.events))
	}

	outputs := decodeOutputs(t, &out)
	if outputs[0].Action != "reject" {
		t.Errorf("Action = %q, want reject", outputs[0].Action)
	}
	if outputs[0].Msg == "" {
		t.Error("Reject output should carry a reason")
	}
}

func TestRun_MalformedLinesSkipped(t *testing.T) {
	filter, engine := testFilter(t, false)

	event := &nostr.Event{ID: "e1", PubKey: "alice", Kind: 1}
	input := "not json at all\n" +
		"{\"type\":\"new\"}\n" + // no event
		"\n" +
		inputLine(t, event)

	var out bytes.Buffer
	if err := filter.Run(strings.NewReader(input), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(engine.events) != 1 {
		t.Errorf("Enqueued %d events, want 1 (bad lines skipped)", len(engine.events))
	}
	outputs := decodeOutputs(t, &out)
	if len(outputs) != 1 {
		t.Errorf("Got %d outputs, want 1", len(outputs))
	}
}

func TestRun_MultipleEvents(t *testing.T) {
	filter, engine := testFilter(t, false)

	input := inputLine(t, &nostr.Event{ID: "e1", Kind: 1}) +
		inputLine(t, &nostr.Event{ID: "e2", Kind: 1}) +
		inputLine(t, &nostr.Event{ID: "e3", Kind: 7})

	var out bytes.Buffer
	if err := filter.Run(strings.NewReader(input), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(engine.events) != 3 {
		t.Fatalf("Enqueued %d events, want 3", len(engine.events))
	}
	outputs := decodeOutputs(t, &out)
	if len(outputs) != 3 {
		t.Fatalf("Got %d outputs, want 3", len(outputs))
	}
	for i, id := range []string{"e1", "e2", "e3"} {
		if outputs[i].ID != id {
			t.Errorf("Output %d id = %q, want %q", i, outputs[i].ID, id)
		}
	}
}

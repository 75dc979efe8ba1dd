package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/quillreader/quill-core/internal/agentrt"
	"github.com/quillreader/quill-core/internal/lifecycle"
	"github.com/quillreader/quill-core/internal/taskqueue"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) message(i int) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.messages) {
		return nil, false
	}
	return f.messages[i], true
}

func TestStreamTaskRecordsWriter(t *testing.T) {
	q := taskqueue.New(taskqueue.Limits{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWSWriter{}
	go func() {
		_ = streamTaskRecords(ctx, q.Subscribe(ctx), writer)
	}()

	id := q.Enqueue(taskqueue.Request{
		Kind: lifecycle.KindFeedSync,
		Operation: func(ctx context.Context, run *taskqueue.RunContext) error {
			return nil
		},
	})

	deadline := time.After(2 * time.Second)
	for i := 0; ; {
		if payload, ok := writer.message(i); ok {
			var rec taskqueue.Record
			if err := json.Unmarshal(payload, &rec); err != nil {
				t.Fatalf("decode ws payload: %v", err)
			}
			if rec.ID == id && rec.State == lifecycle.QueueStateSucceeded {
				return
			}
			i++
			continue
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for terminal ws message")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestStreamAgentEventsWriter(t *testing.T) {
	engine := agentrt.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := engine.Subscribe(ctx)
	writer := &fakeWSWriter{}
	go func() {
		_ = streamAgentEvents(ctx, sub, writer)
	}()

	engine.Submit(agentrt.Spec{
		TaskID: "t1",
		Owner:  agentrt.Owner{Kind: lifecycle.RuntimeSummary, EntryID: "entry-1"},
	})

	deadline := time.After(2 * time.Second)
	for {
		if payload, ok := writer.message(0); ok {
			var evt agentrt.Event
			if err := json.Unmarshal(payload, &evt); err != nil {
				t.Fatalf("decode ws payload: %v", err)
			}
			if evt.Type != agentrt.EventActivated || evt.TaskID != "t1" {
				t.Fatalf("unexpected event %+v", evt)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for ws message")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

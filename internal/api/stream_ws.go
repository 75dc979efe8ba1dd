package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/quillreader/quill-core/internal/agentrt"
	"github.com/quillreader/quill-core/internal/taskqueue"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleTaskStream streams the bootstrap snapshot followed by live task
// record deltas. The snapshot arrives as the first messages because the
// queue preloads it on the subscriber channel.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	if s.Queue == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("task queue"))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamTaskRecords(ctx, s.Queue.Subscribe(ctx), conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// handleAgentStream sends one snapshot message, then live runtime
// events. Consumers must discard events whose token does not match the
// last known active token for the owner.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("runtime engine"))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	sub := s.Engine.Subscribe(ctx)
	snapshot, err := json.Marshal(map[string]any{"snapshot": s.Engine.Snapshot()})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, snapshot); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	if err := streamAgentEvents(ctx, sub, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamTaskRecords(ctx context.Context, sub <-chan taskqueue.Record, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}

func streamAgentEvents(ctx context.Context, sub <-chan agentrt.Event, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}

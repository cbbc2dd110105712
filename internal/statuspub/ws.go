package statuspub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// ServeEvents upgrades r to a websocket and streams Snapshot messages for
// jobID as JSON text frames until the client disconnects or the job's sinks
// are closed. It returns ErrJobNotFound before upgrading if jobID is
// unknown, so callers can translate that into an HTTP 404 without ever
// opening the socket.
//
// This generalizes the teacher's websocket.Dial client pattern (used by the
// STT/TTS/S2S providers to consume a vendor push stream) to the server side
// of the same library: here retargetd is the one producing the push
// stream, for a browser or CLI client subscribed to one job's progress.
func (p *Publisher) ServeEvents(w http.ResponseWriter, r *http.Request, jobID string) error {
	ch, unsubscribe, err := p.Subscribe(r.Context(), jobID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return nil
		case snap, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return nil
			}
			body, err := json.Marshal(snap)
			if err != nil {
				slog.Error("statuspub: marshal snapshot", "job_id", jobID, "err", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}

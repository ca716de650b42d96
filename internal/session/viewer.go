package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultViewerQueueSize is the per-viewer outbound queue bound. A viewer that
// falls this many records behind is disconnected rather than allowed to stall
// the broadcaster.
const DefaultViewerQueueSize = 256

// viewerWriteTimeout bounds a single transport write to a viewer.
const viewerWriteTimeout = 10 * time.Second

// ViewerConn is the transport half of a viewer connection. The server layer
// adapts its websocket connections to this interface.
type ViewerConn interface {
	// WriteText sends one text frame. It must respect ctx cancellation.
	WriteText(ctx context.Context, data []byte) error

	// Close terminates the connection with a human-readable reason.
	Close(reason string) error
}

// Viewer is one attached downstream subscriber. Records are enqueued by the
// broadcaster and drained by a dedicated pump goroutine, so a slow transport
// never blocks the session's event path.
type Viewer struct {
	// ID identifies the viewer in logs. Not required to be unique.
	ID string

	// Language is the viewer's requested language code. The core does not
	// filter by it; it is recorded for observability and the surrounding
	// backfill subsystem.
	Language string

	conn  ViewerConn
	log   *slog.Logger
	queue chan []byte

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// reason is written once by Stop before stop is closed; the close ordering
	// makes it safe to read from the pump afterwards.
	reason string
}

// NewViewer wraps conn and starts the pump goroutine. queueSize bounds the
// outbound queue; non-positive values fall back to DefaultViewerQueueSize.
func NewViewer(id, language string, conn ViewerConn, queueSize int, log *slog.Logger) *Viewer {
	if queueSize <= 0 {
		queueSize = DefaultViewerQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	v := &Viewer{
		ID:       id,
		Language: language,
		conn:     conn,
		log:      log.With("viewer", id, "language", language),
		queue:    make(chan []byte, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go v.pump()
	return v
}

// enqueue offers data to the viewer's queue without blocking. It returns false
// when the queue is full or the viewer has stopped; the broadcaster detaches
// such viewers.
func (v *Viewer) enqueue(data []byte) bool {
	select {
	case <-v.stop:
		return false
	default:
	}
	select {
	case v.queue <- data:
		return true
	case <-v.stop:
		return false
	default:
		return false
	}
}

// Stop terminates the viewer: the pump drains what it can and the transport is
// closed with the given reason. Safe to call multiple times and from any
// goroutine.
func (v *Viewer) Stop(reason string) {
	v.stopOnce.Do(func() {
		v.reason = reason
		close(v.stop)
	})
}

// Done is closed when the pump goroutine has exited and the transport is
// closed.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

func (v *Viewer) pump() {
	defer close(v.done)

	reason := "session closed"
	defer func() {
		if err := v.conn.Close(reason); err != nil {
			v.log.Debug("viewer close", "err", err)
		}
	}()

	for {
		select {
		case <-v.stop:
			if v.reason != "" {
				reason = v.reason
			}
			// Flush what was queued before the stop; enqueue is already
			// rejecting new records.
			for {
				select {
				case data := <-v.queue:
					if err := v.write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		case data := <-v.queue:
			if err := v.write(data); err != nil {
				reason = "write failed"
				return
			}
		}
	}
}

// write delivers one frame with a per-write deadline and stops the viewer on
// failure.
func (v *Viewer) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), viewerWriteTimeout)
	err := v.conn.WriteText(ctx, data)
	cancel()
	if err != nil {
		v.log.Debug("viewer write failed, dropping viewer", "err", err)
		v.Stop("write failed")
	}
	return err
}

package sftp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sftpkit/sftp/internal/sync"
)

// EventType is the kind of a session Event.
type EventType int

// Event types.
const (
	EventReady EventType = iota + 1
	EventError
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a change in the lifecycle of a Session.
type Event struct {
	Type      EventType
	State     State
	SessionID string

	// Err is the cause of an EventError.
	Err error
}

// eventBufferSize is how many events a subscriber may fall behind before events are dropped.
const eventBufferSize = 16

// broker fans out events to subscribers, without ever blocking the publisher.
type broker struct {
	log *zap.Logger

	mu   sync.Mutex
	next uint64
	subs map[uint64]chan Event
}

func (b *broker) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, eventBufferSize)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[uint64]chan Event)
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.subs, id)
		close(ch)
	})

	return ch
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("sftp event dropped, subscriber is not keeping up",
				zap.Stringer("event", ev.Type),
				zap.String("session", ev.SessionID),
			)
		}
	}
}

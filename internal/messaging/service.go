// Package messaging adapts chat transports to the engine: outbound text goes
// through Send and inbound messages arrive on the Inbound channel already
// resolved into a content variant.
package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/outbound"
)

const (
	// DefaultChannelBufferSize is the capacity of the inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long a full inbound channel may block an event handler.
	DefaultChannelTimeout = 1 * time.Second
)

// Service is a pluggable chat transport bound to one instance.
type Service interface {
	outbound.Transport

	// Start begins receiving events.
	Start(ctx context.Context) error

	// Stop stops receiving and closes the inbound channel.
	Stop() error

	// Inbound returns the channel of messages received by the instance.
	Inbound() <-chan models.InboundMessage
}

// ConnectionNotifier is implemented by transports that can report a
// (re)connection, after which persisted follow-ups are restored.
type ConnectionNotifier interface {
	OnConnected(fn func())
}

// LogoutNotifier is implemented by transports whose session can be revoked
// remotely, after which the instance's conversation state is forgotten.
type LogoutNotifier interface {
	OnLoggedOut(fn func())
}

// inbox is the inbound channel shared by the transports. Emits after Stop are
// dropped and a full channel drops after DefaultChannelTimeout.
type inbox struct {
	name    string
	ch      chan models.InboundMessage
	mu      sync.RWMutex
	stopped bool
	timeout time.Duration
}

func newInbox(name string) *inbox {
	return &inbox{
		name:    name,
		ch:      make(chan models.InboundMessage, DefaultChannelBufferSize),
		timeout: DefaultChannelTimeout,
	}
}

func (b *inbox) emit(msg models.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+".emit: dropping inbound message after stop", "chatID", msg.Key.ChatID, "messageID", msg.MessageID)
		return false
	}
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.ch <- msg:
		return true
	case <-timer.C:
		slog.Warn(b.name+".emit: inbound channel blocked, dropping message", "chatID", msg.Key.ChatID, "messageID", msg.MessageID, "timeout", b.timeout)
		return false
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// close marks the inbox stopped and closes the channel once. The write lock
// waits for in-flight emits.
func (b *inbox) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	close(b.ch)
	return true
}

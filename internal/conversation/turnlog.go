package conversation

import (
	"sync"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// DefaultTurnLogSize is the number of turns kept per chat.
const DefaultTurnLogSize = 20

// TurnLog keeps the most recent turns of each chat in memory. It feeds the
// responder's follow-up classification and generation.
type TurnLog struct {
	mu    sync.Mutex
	size  int
	turns map[string][]models.Turn
}

// NewTurnLog creates a TurnLog keeping size turns per chat.
func NewTurnLog(size int) *TurnLog {
	if size <= 0 {
		size = DefaultTurnLogSize
	}
	return &TurnLog{size: size, turns: make(map[string][]models.Turn)}
}

// Append adds a turn, evicting the oldest beyond the log size.
func (l *TurnLog) Append(key models.ConversationKey, turn models.Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key.String()
	turns := append(l.turns[k], turn)
	if len(turns) > l.size {
		turns = append([]models.Turn(nil), turns[len(turns)-l.size:]...)
	}
	l.turns[k] = turns
}

// Recent returns up to n of the latest turns, oldest first.
func (l *TurnLog) Recent(key models.ConversationKey, n int) []models.Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	turns := l.turns[key.String()]
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return append([]models.Turn(nil), turns...)
}

// Clear drops every transcript.
func (l *TurnLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = make(map[string][]models.Turn)
}

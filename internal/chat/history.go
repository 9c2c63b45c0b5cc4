package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/metrics"
)

// PromptSource supplies the values History reads on every access, so
// setting changes apply to the next append.
type PromptSource interface {
	SystemPrompt() string
	MaxHistoryLength() int
}

// History keeps one bounded message list per conversation group. Element 0
// of every list is the system message; the list never holds more than
// MaxHistoryLength()+1 messages after an append.
type History struct {
	mu     sync.Mutex
	groups map[string][]domain.Message
	source PromptSource
	now    func() time.Time

	turnsMu sync.Mutex
	turns   map[string]chan struct{}
}

func NewHistory(source PromptSource) *History {
	return &History{
		groups: make(map[string][]domain.Message),
		source: source,
		now:    time.Now,
		turns:  make(map[string]chan struct{}),
	}
}

func (h *History) systemMessage() domain.Message {
	return domain.Message{Role: domain.RoleSystem, Content: h.source.SystemPrompt(), Timestamp: h.now()}
}

// caller holds h.mu
func (h *History) getLocked(group string) []domain.Message {
	msgs, ok := h.groups[group]
	if !ok {
		msgs = []domain.Message{h.systemMessage()}
		h.groups[group] = msgs
		metrics.SetConversationGroups(len(h.groups))
	}
	return msgs
}

// Get returns a snapshot of the group's history, creating it with the
// current system prompt on first access.
func (h *History) Get(group string) []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.getLocked(group))
}

// Add appends a turn and trims the group to the system message plus the
// most recent MaxHistoryLength() turns.
func (h *History) Add(group string, role domain.Role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := append(h.getLocked(group), domain.Message{Role: role, Content: content, Timestamp: h.now()})

	limit := max(h.source.MaxHistoryLength(), 0)
	if len(msgs) > limit+1 {
		trimmed := make([]domain.Message, 0, limit+1)
		trimmed = append(trimmed, msgs[0])
		trimmed = append(trimmed, msgs[len(msgs)-limit:]...)
		msgs = trimmed
	}

	h.groups[group] = msgs
}

// Clear resets an existing group to a fresh system message. Unknown groups
// are left alone.
func (h *History) Clear(group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.groups[group]; ok {
		h.groups[group] = []domain.Message{h.systemMessage()}
	}
}

func (h *History) ClearAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.groups = make(map[string][]domain.Message)
	metrics.SetConversationGroups(0)
}

func (h *History) Groups() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	groups := make([]string, 0, len(h.groups))
	for g := range h.groups {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	return groups
}

// lockTurn serializes turns on one group. It waits for the group's current
// turn to finish or for ctx to end.
func (h *History) lockTurn(ctx context.Context, group string) (func(), error) {
	h.turnsMu.Lock()
	turn, ok := h.turns[group]
	if !ok {
		turn = make(chan struct{}, 1)
		h.turns[group] = turn
	}
	h.turnsMu.Unlock()

	select {
	case turn <- struct{}{}:
		return func() { <-turn }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

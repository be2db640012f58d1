package feed

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

const subscriberBuffer = 32

type subscriber struct {
	filter core.ChangeFilter
	ch     chan models.Change
}

// Hub fans change notifications out to in-process subscribers.
// A subscriber that cannot keep up loses events rather than blocking writers.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger}
}

// Publish delivers c to every matching subscriber.
func (h *Hub) Publish(c models.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.filter.Match(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			h.logger.Warn("change feed subscriber lagging, dropping event",
				zap.String("table", c.Table), zap.String("id", c.ID))
		}
	}
}

// Subscribe registers a subscriber until ctx is done or cancel is called.
func (h *Hub) Subscribe(ctx context.Context, filter core.ChangeFilter) (<-chan models.Change, func()) {
	s := &subscriber{filter: filter, ch: make(chan models.Change, subscriberBuffer)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			close(s.ch)
			h.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return s.ch, cancel
}

// Len reports the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

var _ core.ChangeFeed = (*Hub)(nil)

package crypto

import "sync"

// ReplayGuard remembers the most recent message ids per sender and reports
// duplicates. Memory is bounded by limit ids per sender.
type ReplayGuard struct {
	mu    sync.Mutex
	limit int
	seen  map[string]map[string]struct{}
	order map[string][]string
}

func NewReplayGuard(limit int) *ReplayGuard {
	if limit < 1 {
		limit = 1024
	}
	return &ReplayGuard{
		limit: limit,
		seen:  make(map[string]map[string]struct{}),
		order: make(map[string][]string),
	}
}

// Seen records messageID for sender and reports whether it was known.
func (g *ReplayGuard) Seen(sender, messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids, ok := g.seen[sender]
	if !ok {
		ids = make(map[string]struct{})
		g.seen[sender] = ids
	}
	if _, dup := ids[messageID]; dup {
		return true
	}
	ids[messageID] = struct{}{}
	order := append(g.order[sender], messageID)
	if len(order) > g.limit {
		delete(ids, order[0])
		order = append([]string(nil), order[1:]...)
	}
	g.order[sender] = order
	return false
}

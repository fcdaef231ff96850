package bridge

import (
	"sync"
	"time"
)

// Decision is the editor's verdict on an advertised file change.
type Decision int

const (
	DecisionApplied Decision = iota
	DecisionRejected
)

// FileChange is a pending file modification advertised to the editor.
type FileChange struct {
	ID              string
	Path            string
	OriginalContent string
	NewContent      string
	ToolName        string
	ToolArgs        map[string]any
}

type pendingEntry struct {
	change   FileChange
	created  time.Time
	decision chan Decision
}

// pendingMap tracks advertised changes with both a capacity and a TTL.
// Eviction closes the entry's decision channel without applying; the
// engine, which is the source of truth, proceeds independently.
type pendingMap struct {
	mu       sync.Mutex
	entries  map[string]*pendingEntry
	order    []string // insertion order, for capacity eviction
	capacity int
	ttl      time.Duration
}

func newPendingMap(capacity int, ttl time.Duration) *pendingMap {
	if capacity <= 0 {
		capacity = 64
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &pendingMap{
		entries:  make(map[string]*pendingEntry),
		capacity: capacity,
		ttl:      ttl,
	}
}

// add registers a change and returns the channel its decision arrives
// on. The channel is closed without a value on eviction or close.
func (p *pendingMap) add(change FileChange) <-chan Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked(time.Now())
	for len(p.order) >= p.capacity {
		p.evictLocked(p.order[0])
	}

	entry := &pendingEntry{
		change:   change,
		created:  time.Now(),
		decision: make(chan Decision, 1),
	}
	p.entries[change.ID] = entry
	p.order = append(p.order, change.ID)
	return entry.decision
}

// resolve delivers the editor's decision for id. Reports whether the id
// was still pending.
func (p *pendingMap) resolve(id string, d Decision) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return false
	}
	entry.decision <- d
	close(entry.decision)
	p.removeLocked(id)
	return true
}

// close drops a pending entry without a decision (engine-originated
// cancellation or shutdown).
func (p *pendingMap) close(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		return false
	}
	p.evictLocked(id)
	return true
}

// sweep expires entries older than the TTL. Called periodically.
func (p *pendingMap) sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expireLocked(now)
}

// ids returns the pending change ids, oldest first.
func (p *pendingMap) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func (p *pendingMap) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *pendingMap) expireLocked(now time.Time) int {
	evicted := 0
	for len(p.order) > 0 {
		id := p.order[0]
		entry := p.entries[id]
		if entry == nil {
			p.order = p.order[1:]
			continue
		}
		if now.Sub(entry.created) < p.ttl {
			break
		}
		p.evictLocked(id)
		evicted++
	}
	return evicted
}

func (p *pendingMap) evictLocked(id string) {
	if entry, ok := p.entries[id]; ok {
		close(entry.decision)
	}
	p.removeLocked(id)
}

func (p *pendingMap) removeLocked(id string) {
	delete(p.entries, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

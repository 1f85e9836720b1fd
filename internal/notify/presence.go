package notify

import (
	"sync"
	"time"
)

// Presence tracks which parties currently hold a live connection to the
// service. It only shades notification routing; correctness never
// depends on it.
type Presence struct {
	mu        sync.RWMutex
	connected map[string]time.Time
}

func NewPresence() *Presence {
	return &Presence{connected: make(map[string]time.Time)}
}

func (p *Presence) Connect(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected[id] = time.Now()
}

func (p *Presence) Disconnect(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connected, id)
}

func (p *Presence) IsOnline(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.connected[id]
	return ok
}

// ConnectedSince reports when the party connected, or false if offline.
func (p *Presence) ConnectedSince(id string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.connected[id]
	return t, ok
}

func (p *Presence) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connected)
}

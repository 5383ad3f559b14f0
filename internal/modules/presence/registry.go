// README: In-memory provider presence registry: status machine, live locations, broadcasts.
package presence

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"presto/internal/types"
)

type Status string

const (
	StatusOffline Status = "OFFLINE"
	StatusReady   Status = "READY"
	StatusBusy    Status = "BUSY"
	StatusPaused  Status = "PAUSED"
)

var (
	ErrNotTracked    = errors.New("provider not tracked")
	ErrInvalidStatus = errors.New("invalid presence transition")
)

// ParseStatus normalizes a raw client-supplied status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case StatusOffline, StatusReady, StatusBusy, StatusPaused:
		return s, nil
	}
	return "", fmt.Errorf("unknown presence status %q: %w", raw, ErrInvalidStatus)
}

// transitions holds the allowed explicit moves. BUSY is reachable only
// through MarkBusy; OFFLINE is additionally forced on disconnect.
var transitions = map[Status]map[Status]bool{
	StatusOffline: {StatusReady: true},
	StatusReady:   {StatusBusy: true, StatusPaused: true, StatusOffline: true},
	StatusPaused:  {StatusReady: true, StatusOffline: true},
	StatusBusy:    {StatusReady: true, StatusOffline: true},
}

// Presence is one provider's live state. Values are copied out of the
// registry; callers never hold a reference into it.
type Presence struct {
	ProviderID types.ID
	Status     Status
	Location   *types.Point
	LastSeen   time.Time
}

// Subscriber receives presence broadcasts. Calls are made outside the
// registry lock, in the order the changes were applied.
type Subscriber interface {
	PresenceChanged(p Presence)
	LocationChanged(providerID types.ID, pt types.Point, at time.Time)
}

// Registry owns the presence map. It is the only writer of provider
// status; the broker and socket layer go through its entry points.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.ID]*Presence
	subs    []Subscriber
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[types.ID]*Presence),
		now:     time.Now,
	}
}

// Subscribe registers a broadcast target. Not safe to call concurrently
// with mutations; wire subscribers during startup.
func (r *Registry) Subscribe(s Subscriber) {
	r.subs = append(r.subs, s)
}

// Join registers a provider as connected. An empty status defaults to
// READY; an explicit BUSY is rejected like any manual BUSY request.
func (r *Registry) Join(providerID types.ID, status Status) (Presence, error) {
	if status == "" {
		status = StatusReady
	}
	if status == StatusBusy {
		return Presence{}, fmt.Errorf("BUSY is set by assignment only: %w", ErrInvalidStatus)
	}
	if _, ok := transitions[status]; !ok {
		return Presence{}, fmt.Errorf("unknown presence status %q: %w", status, ErrInvalidStatus)
	}

	r.mu.Lock()
	p, ok := r.entries[providerID]
	if !ok {
		p = &Presence{ProviderID: providerID}
		r.entries[providerID] = p
	}
	p.Status = status
	p.LastSeen = r.now()
	out := snapshot(p)
	r.mu.Unlock()

	r.broadcast(out)
	return out, nil
}

// SetStatus applies a client-requested transition. Manual BUSY is always
// rejected; same-status requests refresh lastSeen without a broadcast.
func (r *Registry) SetStatus(providerID types.ID, next Status) (Presence, error) {
	if next == StatusBusy {
		return Presence{}, fmt.Errorf("BUSY is set by assignment only: %w", ErrInvalidStatus)
	}
	return r.apply(providerID, next)
}

// MarkBusy is the broker's assignment hook: READY → BUSY only.
func (r *Registry) MarkBusy(providerID types.ID) (Presence, error) {
	r.mu.Lock()
	p, ok := r.entries[providerID]
	if !ok {
		r.mu.Unlock()
		return Presence{}, ErrNotTracked
	}
	if p.Status != StatusReady {
		cur := p.Status
		r.mu.Unlock()
		return Presence{}, fmt.Errorf("cannot assign provider in status %s: %w", cur, ErrInvalidStatus)
	}
	p.Status = StatusBusy
	p.LastSeen = r.now()
	out := snapshot(p)
	r.mu.Unlock()

	r.broadcast(out)
	return out, nil
}

// MarkReady returns a provider to READY after mission completion.
func (r *Registry) MarkReady(providerID types.ID) (Presence, error) {
	return r.apply(providerID, StatusReady)
}

// Disconnect forces OFFLINE regardless of current status and broadcasts
// so dashboards update without polling. Unknown providers are a no-op.
func (r *Registry) Disconnect(providerID types.ID) {
	r.mu.Lock()
	p, ok := r.entries[providerID]
	if !ok || p.Status == StatusOffline {
		r.mu.Unlock()
		return
	}
	p.Status = StatusOffline
	p.LastSeen = r.now()
	out := snapshot(p)
	r.mu.Unlock()

	r.broadcast(out)
}

// UpdateLocation overwrites the provider's last known position. No
// status constraints apply to location.
func (r *Registry) UpdateLocation(providerID types.ID, pt types.Point) error {
	r.mu.Lock()
	p, ok := r.entries[providerID]
	if !ok {
		r.mu.Unlock()
		return ErrNotTracked
	}
	loc := pt
	p.Location = &loc
	at := r.now()
	p.LastSeen = at
	r.mu.Unlock()

	for _, s := range r.subs {
		s.LocationChanged(providerID, pt, at)
	}
	return nil
}

// Get returns a copy of the provider's presence.
func (r *Registry) Get(providerID types.ID) (Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[providerID]
	if !ok {
		return Presence{}, false
	}
	return snapshot(p), true
}

// Ready lists providers currently available for dispatch.
func (r *Registry) Ready() []Presence {
	return r.list(func(p *Presence) bool { return p.Status == StatusReady })
}

// Snapshot lists every tracked provider, OFFLINE entries included.
func (r *Registry) Snapshot() []Presence {
	return r.list(func(*Presence) bool { return true })
}

func (r *Registry) list(keep func(*Presence) bool) []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Presence, 0, len(r.entries))
	for _, p := range r.entries {
		if keep(p) {
			out = append(out, snapshot(p))
		}
	}
	return out
}

func (r *Registry) apply(providerID types.ID, next Status) (Presence, error) {
	r.mu.Lock()
	p, ok := r.entries[providerID]
	if !ok {
		r.mu.Unlock()
		return Presence{}, ErrNotTracked
	}
	if p.Status == next {
		p.LastSeen = r.now()
		out := snapshot(p)
		r.mu.Unlock()
		return out, nil
	}
	if !transitions[p.Status][next] {
		cur := p.Status
		r.mu.Unlock()
		return Presence{}, fmt.Errorf("%s -> %s: %w", cur, next, ErrInvalidStatus)
	}
	p.Status = next
	p.LastSeen = r.now()
	out := snapshot(p)
	r.mu.Unlock()

	r.broadcast(out)
	return out, nil
}

func (r *Registry) broadcast(p Presence) {
	for _, s := range r.subs {
		s.PresenceChanged(p)
	}
}

func snapshot(p *Presence) Presence {
	out := *p
	if p.Location != nil {
		loc := *p.Location
		out.Location = &loc
	}
	return out
}

// README: Connection hub: targeted sends, broadcasts, presence and dispatch fan-out.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"presto/internal/modules/presence"
	"presto/internal/modules/request"
	"presto/internal/types"
)

// Geocoder resolves a coordinate to a display address. May be nil.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
}

// Hub tracks connected clients. It implements presence.Subscriber and
// the dispatch broker's Notifier, bridging registry and broker activity
// onto the socket contract.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	geocoder Geocoder
	log      zerolog.Logger
}

func NewHub(geocoder Geocoder, log zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		geocoder: geocoder,
		log:      log,
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.ID]; ok {
		close(old.send)
	}
	h.clients[c.ID] = c
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// A reconnect may already have replaced this entry.
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		delete(h.clients, c.ID)
		close(c.send)
	}
}

// SendTo delivers an event to one client. Unknown clients are ignored;
// a saturated client is disconnected.
func (h *Hub) SendTo(id types.ID, eventType string, payload any) {
	msg, err := marshalEnvelope(eventType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", eventType).Msg("marshal envelope failed")
		return
	}

	// Enqueue under the read lock: add and remove close the send channel
	// under the write lock, so a send can never hit a closed channel.
	h.mu.RLock()
	c, ok := h.clients[string(id)]
	full := ok && !c.enqueue(msg)
	h.mu.RUnlock()

	if full {
		h.log.Warn().Str("client_id", c.ID).Str("event", eventType).Msg("send buffer full, dropping client")
		h.remove(c)
	}
}

// Broadcast delivers an event to every connected client.
func (h *Hub) Broadcast(eventType string, payload any) {
	msg, err := marshalEnvelope(eventType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", eventType).Msg("marshal envelope failed")
		return
	}

	h.mu.RLock()
	var full []*Client
	for _, c := range h.clients {
		if !c.enqueue(msg) {
			full = append(full, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range full {
		h.log.Warn().Str("client_id", c.ID).Str("event", eventType).Msg("send buffer full, dropping client")
		h.remove(c)
	}
}

// Connected reports whether a client currently holds a socket.
func (h *Hub) Connected(id types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[string(id)]
	return ok
}

// PresenceChanged implements presence.Subscriber.
func (h *Hub) PresenceChanged(p presence.Presence) {
	h.Broadcast(EventProviderStatusUpdate, StatusUpdatePayload{
		ProviderID: p.ProviderID,
		Status:     string(p.Status),
	})
}

// LocationChanged implements presence.Subscriber.
func (h *Hub) LocationChanged(providerID types.ID, pt types.Point, at time.Time) {
	h.Broadcast(EventProviderLocationUpdate, LocationUpdatePayload{
		ProviderID: providerID,
		Lat:        pt.Lat,
		Lng:        pt.Lng,
		Ts:         at,
	})
}

// NotifyOffer implements the dispatch Notifier. The address lookup runs
// off the caller's goroutine; NotifyOffer itself never blocks.
func (h *Hub) NotifyOffer(providerID types.ID, r *request.Request, distanceKm float64) {
	payload := OfferPayload{
		RequestID:   r.ID,
		ProviderID:  providerID,
		Category:    r.Category,
		Subcategory: r.Subcategory,
		Description: r.Description,
		Priority:    r.Priority,
		DistanceKm:  distanceKm,
	}
	if r.Location != nil {
		lat, lng := r.Location.Lat, r.Location.Lng
		payload.Lat = &lat
		payload.Lng = &lng
	}

	if h.geocoder == nil || r.Location == nil {
		h.SendTo(providerID, EventNewRequest, payload)
		return
	}

	loc := *r.Location
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if addr, err := h.geocoder.ReverseGeocode(ctx, loc); err == nil {
			payload.Address = addr
		}
		h.SendTo(providerID, EventNewRequest, payload)
	}()
}

// NotifyTaken implements the dispatch Notifier.
func (h *Hub) NotifyTaken(providerID, requestID types.ID) {
	h.SendTo(providerID, EventRequestTaken, TakenPayload{RequestID: requestID})
}

func marshalEnvelope(eventType string, payload any) ([]byte, error) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

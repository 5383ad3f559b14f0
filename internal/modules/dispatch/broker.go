// README: Dispatch broker: shortlist READY providers, fan out offers, settle the acceptance race.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"presto/internal/config"
	"presto/internal/modules/geo"
	"presto/internal/modules/presence"
	"presto/internal/modules/request"
	"presto/internal/types"
)

var (
	ErrNoLocation   = errors.New("request has no location")
	ErrProviderBusy = errors.New("provider already holds an active mission")
)

// Requests is the slice of the request service the broker drives.
type Requests interface {
	Get(ctx context.Context, id types.ID) (*request.Request, error)
	Assign(ctx context.Context, id, providerID types.ID) (*request.Request, error)
	Requeue(ctx context.Context, id types.ID) (*request.Request, error)
	ActiveByProvider(ctx context.Context, providerID types.ID) (*request.Request, error)
}

// Notifier delivers offer traffic to connected providers. Implemented
// by the websocket hub; calls must not block.
type Notifier interface {
	NotifyOffer(providerID types.ID, r *request.Request, distanceKm float64)
	NotifyTaken(providerID, requestID types.ID)
}

// Intents receives completion side effects (wallet credit) for
// downstream processing. May be nil.
type Intents interface {
	MissionCompleted(ctx context.Context, r *request.Request)
}

// Broker owns in-flight dispatch state. Acceptance is serialized on the
// broker mutex; the request row CAS is the final arbiter, so even a
// competing writer outside this process cannot double-assign.
type Broker struct {
	mu     sync.Mutex
	offers map[types.ID]*Offer
	graces map[types.ID]*graceEntry

	registry *presence.Registry
	requests Requests
	store    *Store
	notifier Notifier
	intents  Intents
	cfg      config.DispatchConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewBroker(registry *presence.Registry, requests Requests, store *Store, notifier Notifier, intents Intents, cfg config.DispatchConfig, log zerolog.Logger) *Broker {
	return &Broker{
		offers:   make(map[types.ID]*Offer),
		graces:   make(map[types.ID]*graceEntry),
		registry: registry,
		requests: requests,
		store:    store,
		notifier: notifier,
		intents:  intents,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Dispatch fans a PUBLISHED request out to every READY provider within
// the configured radius. An empty shortlist is not an error; the offer
// is retried on the next sweep until MaxAttempts.
func (b *Broker) Dispatch(ctx context.Context, r *request.Request) error {
	if r.Location == nil {
		return ErrNoLocation
	}

	shortlist := b.shortlist(r)
	candidates := make([]types.ID, len(shortlist))
	for i, s := range shortlist {
		candidates[i] = s.Item.ProviderID
	}

	b.mu.Lock()
	attempt := 1
	if prev, ok := b.offers[r.ID]; ok {
		attempt = prev.Attempt + 1
	}
	now := b.now()
	b.offers[r.ID] = &Offer{
		RequestID:  r.ID,
		Candidates: candidates,
		Attempt:    attempt,
		CreatedAt:  now,
		ExpiresAt:  now.Add(b.cfg.OfferTTL),
	}
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.RecordOffer(ctx, r.ID, candidates); err != nil {
			b.log.Warn().Err(err).Str("request_id", string(r.ID)).Msg("record offer failed")
		}
	}

	b.log.Info().
		Str("request_id", string(r.ID)).
		Int("candidates", len(candidates)).
		Int("attempt", attempt).
		Msg("request dispatched")

	for _, s := range shortlist {
		b.notifier.NotifyOffer(s.Item.ProviderID, r, s.DistanceKm)
	}
	return nil
}

// DirectOffer targets a single provider, bypassing the shortlist. Used
// when the owner names the provider in the new-request event.
func (b *Broker) DirectOffer(ctx context.Context, r *request.Request, providerID types.ID) error {
	p, ok := b.registry.Get(providerID)
	if !ok || p.Status != presence.StatusReady {
		return fmt.Errorf("provider %s is not available: %w", providerID, presence.ErrInvalidStatus)
	}

	b.mu.Lock()
	now := b.now()
	b.offers[r.ID] = &Offer{
		RequestID:  r.ID,
		Candidates: []types.ID{providerID},
		Attempt:    1,
		CreatedAt:  now,
		ExpiresAt:  now.Add(b.cfg.OfferTTL),
	}
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.RecordOffer(ctx, r.ID, []types.ID{providerID}); err != nil {
			b.log.Warn().Err(err).Str("request_id", string(r.ID)).Msg("record offer failed")
		}
	}

	var dist float64
	if r.Location != nil && p.Location != nil {
		dist = geo.HaversineKm(r.Location.Lat, r.Location.Lng, p.Location.Lat, p.Location.Lng)
	}
	b.notifier.NotifyOffer(providerID, r, dist)
	return nil
}

// Accept settles a provider's claim on a request. The first claim
// processed wins the CAS; later ones surface ErrStaleTransition so the
// caller can send the already-assigned notice.
func (b *Broker) Accept(ctx context.Context, providerID, requestID types.ID) (*request.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if held, err := b.requests.ActiveByProvider(ctx, providerID); err == nil && held.ID != requestID {
		return nil, fmt.Errorf("provider %s still holds request %s: %w", providerID, held.ID, ErrProviderBusy)
	} else if err != nil && !errors.Is(err, request.ErrNotFound) {
		return nil, err
	}

	r, err := b.requests.Assign(ctx, requestID, providerID)
	if err != nil {
		return nil, err
	}

	if _, err := b.registry.MarkBusy(providerID); err != nil {
		// The row is assigned but the provider cannot take it; undo.
		if _, rqErr := b.requests.Requeue(ctx, requestID); rqErr != nil {
			b.log.Error().Err(rqErr).Str("request_id", string(requestID)).Msg("rollback requeue failed")
		}
		return nil, fmt.Errorf("provider %s cannot accept: %w", providerID, err)
	}

	offer := b.offers[requestID]
	delete(b.offers, requestID)

	if b.store != nil {
		if err := b.store.ClearOffer(ctx, requestID); err != nil {
			b.log.Warn().Err(err).Str("request_id", string(requestID)).Msg("clear offer failed")
		}
	}

	if offer != nil {
		for _, c := range offer.Candidates {
			if c != providerID {
				b.notifier.NotifyTaken(c, requestID)
			}
		}
	}

	b.log.Info().
		Str("request_id", string(requestID)).
		Str("provider_id", string(providerID)).
		Msg("request accepted")
	return r, nil
}

// OnCompleted handles the DONE side effects: the provider returns to
// READY and a wallet credit intent is emitted.
func (b *Broker) OnCompleted(ctx context.Context, r *request.Request) {
	if r.ProviderID != nil {
		if _, err := b.registry.MarkReady(*r.ProviderID); err != nil {
			b.log.Warn().Err(err).Str("provider_id", string(*r.ProviderID)).Msg("mark ready after completion failed")
		}
		b.mu.Lock()
		delete(b.graces, *r.ProviderID)
		b.mu.Unlock()
	}
	if b.intents != nil {
		b.intents.MissionCompleted(ctx, r)
	}
}

// CancelOffer withdraws an in-flight offer, telling every notified
// provider the request is gone.
func (b *Broker) CancelOffer(ctx context.Context, requestID types.ID) {
	b.mu.Lock()
	offer := b.offers[requestID]
	delete(b.offers, requestID)
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.ClearOffer(ctx, requestID); err != nil {
			b.log.Warn().Err(err).Str("request_id", string(requestID)).Msg("clear offer failed")
		}
	}
	if offer == nil {
		return
	}
	for _, c := range offer.Candidates {
		b.notifier.NotifyTaken(c, requestID)
	}
}

// PresenceChanged keeps the Redis GEO mirror in sync and opens or
// closes reconnect grace windows. Implements presence.Subscriber.
func (b *Broker) PresenceChanged(p presence.Presence) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch p.Status {
	case presence.StatusReady:
		b.mu.Lock()
		g := b.graces[p.ProviderID]
		delete(b.graces, p.ProviderID)
		b.mu.Unlock()
		if g != nil {
			// Reconnected inside the grace window. If the mission is
			// still assigned the provider goes straight back to BUSY;
			// a mission that ended while offline leaves them READY.
			if held, err := b.requests.ActiveByProvider(ctx, p.ProviderID); err == nil && held.ID == g.RequestID {
				if _, err := b.registry.MarkBusy(p.ProviderID); err != nil {
					b.log.Warn().Err(err).Str("provider_id", string(p.ProviderID)).Msg("busy restore after reconnect failed")
				} else {
					b.log.Info().
						Str("provider_id", string(p.ProviderID)).
						Str("request_id", string(g.RequestID)).
						Msg("mission resumed after reconnect")
				}
				return
			}
		}
		if b.store != nil && p.Location != nil {
			if err := b.store.UpsertProvider(ctx, p.ProviderID, *p.Location); err != nil {
				b.log.Warn().Err(err).Str("provider_id", string(p.ProviderID)).Msg("geo mirror upsert failed")
			}
		}
	case presence.StatusOffline:
		if b.store != nil {
			if err := b.store.RemoveProvider(ctx, p.ProviderID); err != nil {
				b.log.Warn().Err(err).Str("provider_id", string(p.ProviderID)).Msg("geo mirror remove failed")
			}
		}
		b.onOffline(ctx, p.ProviderID)
	default:
		// BUSY and PAUSED providers are not dispatchable.
		if b.store != nil {
			if err := b.store.RemoveProvider(ctx, p.ProviderID); err != nil {
				b.log.Warn().Err(err).Str("provider_id", string(p.ProviderID)).Msg("geo mirror remove failed")
			}
		}
	}
}

// LocationChanged mirrors position updates. Implements presence.Subscriber.
func (b *Broker) LocationChanged(providerID types.ID, pt types.Point, _ time.Time) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.UpsertProvider(ctx, providerID, pt); err != nil {
		b.log.Warn().Err(err).Str("provider_id", string(providerID)).Msg("geo mirror upsert failed")
	}
}

// onOffline opens a grace window when the provider holds an active
// mission; otherwise there is nothing to reconcile.
func (b *Broker) onOffline(ctx context.Context, providerID types.ID) {
	r, err := b.requests.ActiveByProvider(ctx, providerID)
	if err != nil {
		if !errors.Is(err, request.ErrNotFound) {
			b.log.Warn().Err(err).Str("provider_id", string(providerID)).Msg("active mission lookup failed")
		}
		return
	}

	b.mu.Lock()
	b.graces[providerID] = &graceEntry{
		ProviderID: providerID,
		RequestID:  r.ID,
		Deadline:   b.now().Add(b.cfg.GraceWindow),
	}
	b.mu.Unlock()

	b.log.Info().
		Str("provider_id", string(providerID)).
		Str("request_id", string(r.ID)).
		Dur("grace", b.cfg.GraceWindow).
		Msg("provider offline mid-mission, grace window opened")
}

// Run drives offer expiry and grace reconciliation until ctx ends.
func (b *Broker) Run(ctx context.Context) {
	tick := time.Duration(b.cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = 3 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

// sweep re-dispatches expired offers and requeues missions whose
// provider never came back.
func (b *Broker) sweep(ctx context.Context) {
	now := b.now()

	b.mu.Lock()
	var expired []*Offer
	for id, o := range b.offers {
		if o.expired(now) {
			expired = append(expired, o)
			delete(b.offers, id)
		}
	}
	var lapsed []*graceEntry
	for id, g := range b.graces {
		if now.After(g.Deadline) {
			lapsed = append(lapsed, g)
			delete(b.graces, id)
		}
	}
	b.mu.Unlock()

	for _, o := range expired {
		r, err := b.requests.Get(ctx, o.RequestID)
		if err != nil {
			b.log.Warn().Err(err).Str("request_id", string(o.RequestID)).Msg("expired offer lookup failed")
			continue
		}
		if r.Status != request.StatusPublished {
			continue
		}
		if o.Attempt >= b.cfg.MaxAttempts && b.cfg.MaxAttempts > 0 {
			b.log.Warn().Str("request_id", string(r.ID)).Int("attempts", o.Attempt).Msg("offer attempts exhausted, awaiting manual assignment")
			continue
		}
		// Preserve the attempt counter across the gap left by the delete.
		b.mu.Lock()
		b.offers[r.ID] = o
		b.mu.Unlock()
		if err := b.Dispatch(ctx, r); err != nil {
			b.log.Warn().Err(err).Str("request_id", string(r.ID)).Msg("re-dispatch failed")
		}
	}

	for _, g := range lapsed {
		r, err := b.requests.Requeue(ctx, g.RequestID)
		if err != nil {
			if !errors.Is(err, request.ErrStaleTransition) {
				b.log.Warn().Err(err).Str("request_id", string(g.RequestID)).Msg("grace requeue failed")
			}
			continue
		}
		b.log.Info().
			Str("request_id", string(r.ID)).
			Str("provider_id", string(g.ProviderID)).
			Msg("grace window lapsed, request requeued")
		if err := b.Dispatch(ctx, r); err != nil {
			b.log.Warn().Err(err).Str("request_id", string(r.ID)).Msg("re-dispatch after requeue failed")
		}
	}
}

// shortlist ranks READY providers by distance, with a geohash-prefix
// prefilter once the pool is large enough to make exact scans wasteful.
func (b *Broker) shortlist(r *request.Request) []geo.Ranked[presence.Presence] {
	ready := b.registry.Ready()

	if b.cfg.PrefilterThreshold > 0 && len(ready) > b.cfg.PrefilterThreshold {
		ready = b.prefilter(ready, *r.Location)
	}

	return geo.ShortlistByRadius(ready, func(p presence.Presence) (types.Point, bool) {
		if p.Location == nil {
			return types.Point{}, false
		}
		return *p.Location, true
	}, *r.Location, b.cfg.RadiusKm)
}

func (b *Broker) prefilter(pool []presence.Presence, center types.Point) []presence.Presence {
	precision := b.cfg.GeohashPrecision
	if precision <= 0 {
		precision = 5
	}
	cell := geo.Encode(center.Lat, center.Lng, precision)
	allowed := map[string]bool{cell: true}
	if neighbors, err := geo.Neighbors(cell); err == nil {
		for _, n := range neighbors {
			allowed[n] = true
		}
	}

	var out []presence.Presence
	for _, p := range pool {
		if p.Location == nil {
			continue
		}
		if allowed[geo.Encode(p.Location.Lat, p.Location.Lng, precision)] {
			out = append(out, p)
		}
	}
	return out
}

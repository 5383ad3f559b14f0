// README: Request service: creation, guarded status transitions, CAS retry semantics.
package request

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"presto/internal/modules/geo"
	"presto/internal/types"
)

// Store is the persistence seam; implemented by PGStore and by in-memory
// fakes in tests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id types.ID) (*Request, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, providerID *types.ID) (bool, error)
	Release(ctx context.Context, id types.ID, from Status, version int) (bool, error)
	FindActiveByProvider(ctx context.Context, providerID types.ID) (*Request, error)
	AppendEvent(ctx context.Context, e *Event) error
}

// Sink receives committed status changes for downstream fan-out (message
// broker, dashboards). May be nil.
type Sink interface {
	StatusChanged(ctx context.Context, r *Request, from Status)
}

type Service struct {
	store Store
	sink  Sink
	log   zerolog.Logger
}

func NewService(store Store, sink Sink, log zerolog.Logger) *Service {
	return &Service{store: store, sink: sink, log: log}
}

type CreateCommand struct {
	RequesterID types.ID
	OwnerID     *types.ID
	Location    *types.Point
	Priority    int
	Category    string
	Subcategory string
	Description string
	Photos      []string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Request, error) {
	if cmd.RequesterID == "" || cmd.Category == "" {
		return nil, ErrBadRequest
	}

	r := &Request{
		ID:          types.ID(uuid.NewString()),
		RequesterID: cmd.RequesterID,
		OwnerID:     cmd.OwnerID,
		Status:      StatusPublished,
		Location:    cmd.Location,
		Priority:    cmd.Priority,
		Category:    cmd.Category,
		Subcategory: cmd.Subcategory,
		Description: cmd.Description,
		Photos:      cmd.Photos,
		CreatedAt:   time.Now().UTC(),
	}
	if cmd.Location != nil {
		r.Geohash = geo.Encode(cmd.Location.Lat, cmd.Location.Lng, geo.DefaultPrecision)
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}
	s.recordTransition(ctx, r.ID, "", StatusPublished, "tenant", &cmd.RequesterID)
	s.log.Info().Str("request_id", string(r.ID)).Str("category", r.Category).Msg("request published")
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Request, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListPublished(ctx context.Context, limit int) ([]*Request, error) {
	return s.store.ListByStatus(ctx, StatusPublished, limit)
}

// ChangeStatus applies a role-authorized transition requested by an actor.
// The raw next status may be any recognized alias; the stored status must
// already be canonical or the record is considered corrupt.
func (s *Service) ChangeStatus(ctx context.Context, actor Actor, id types.ID, rawNext string) (*Request, error) {
	next, err := NormalizeStatus(rawNext)
	if err != nil {
		return nil, err
	}

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isCanonical(r.Status) {
		return nil, fmt.Errorf("request %s has status %q: %w", id, r.Status, ErrCorruptState)
	}

	if err := Authorize(actor, r, next); err != nil {
		return nil, err
	}
	if r.Status == next {
		return r, nil
	}

	// Re-validated at commit: the CAS fails if the row moved on while we
	// were suspended on the load above.
	from := r.Status
	var provider *types.ID
	if next == StatusAssigned {
		// ASSIGNED always names a provider. A direct status change can
		// only restate one already on the row; fresh assignments go
		// through Assign so presence flips with the status.
		if r.ProviderID == nil {
			return nil, fmt.Errorf("assignment requires a provider: %w", ErrBadRequest)
		}
		provider = r.ProviderID
	}
	ok, err := s.store.UpdateStatus(ctx, r.ID, from, next, r.StatusVersion, provider)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if !ok {
		return nil, ErrStaleTransition
	}

	s.recordTransition(ctx, r.ID, from, next, actorType(actor), &actor.ID)
	r.Status = next
	r.StatusVersion++
	if s.sink != nil {
		s.sink.StatusChanged(ctx, r, from)
	}
	return r, nil
}

// Assign moves a PUBLISHED request to ASSIGNED for the given provider. This
// is the broker's acceptance entry point; a lost race surfaces as
// ErrStaleTransition so the caller can notify the losing provider.
func (s *Service) Assign(ctx context.Context, id, providerID types.ID) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPublished {
		return nil, ErrStaleTransition
	}

	ok, err := s.store.UpdateStatus(ctx, r.ID, StatusPublished, StatusAssigned, r.StatusVersion, &providerID)
	if err != nil {
		return nil, fmt.Errorf("assign request: %w", err)
	}
	if !ok {
		return nil, ErrStaleTransition
	}

	s.recordTransition(ctx, r.ID, StatusPublished, StatusAssigned, "system", &providerID)
	r.Status = StatusAssigned
	r.StatusVersion++
	r.ProviderID = &providerID
	if s.sink != nil {
		s.sink.StatusChanged(ctx, r, StatusPublished)
	}
	return r, nil
}

// Requeue returns an abandoned ASSIGNED/IN_PROGRESS request to PUBLISHED,
// clearing the dangling provider reference. Used by the broker when an
// assigned provider never comes back.
func (s *Service) Requeue(ctx context.Context, id types.ID) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusAssigned && r.Status != StatusInProgress {
		return nil, ErrStaleTransition
	}

	ok, err := s.store.Release(ctx, r.ID, r.Status, r.StatusVersion)
	if err != nil {
		return nil, fmt.Errorf("release request: %w", err)
	}
	if !ok {
		return nil, ErrStaleTransition
	}

	from := r.Status
	s.recordTransition(ctx, r.ID, from, StatusPublished, "system", nil)
	r.Status = StatusPublished
	r.StatusVersion++
	r.ProviderID = nil
	if s.sink != nil {
		s.sink.StatusChanged(ctx, r, from)
	}
	return r, nil
}

// ActiveByProvider returns the provider's current mission, or ErrNotFound.
func (s *Service) ActiveByProvider(ctx context.Context, providerID types.ID) (*Request, error) {
	return s.store.FindActiveByProvider(ctx, providerID)
}

func (s *Service) recordTransition(ctx context.Context, id types.ID, from, to Status, actorType string, actorID *types.ID) {
	err := s.store.AppendEvent(ctx, &Event{
		RequestID:  id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", string(id)).Msg("append request event failed")
	}
}

func isCanonical(s Status) bool {
	switch s {
	case StatusPublished, StatusAssigned, StatusInProgress, StatusDone, StatusCancelled, StatusClosed:
		return true
	}
	return false
}

func actorType(a Actor) string {
	if len(a.Roles) == 0 {
		return "unknown"
	}
	switch a.Roles[0] {
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	case RoleProvider:
		return "provider"
	default:
		return "tenant"
	}
}

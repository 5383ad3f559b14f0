// README: Request store backed by PostgreSQL with optimistic status CAS.
package request

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"presto/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, r *Request) error {
	var lat, lng *float64
	if r.Location != nil {
		lat, lng = &r.Location.Lat, &r.Location.Lng
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO requests (
			id, requester_id, owner_id, provider_id, status, status_version,
			lat, lng, geohash, priority, category, subcategory, description,
			photos, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13,
			$14, $15
		)`,
		string(r.ID),
		string(r.RequesterID),
		toStringPtr(r.OwnerID),
		toStringPtr(r.ProviderID),
		string(r.Status),
		r.StatusVersion,
		lat, lng, r.Geohash,
		r.Priority, r.Category, r.Subcategory, r.Description,
		r.Photos,
		r.CreatedAt,
	)
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, requester_id, owner_id, provider_id, status, status_version,
		       lat, lng, geohash, priority, category, subcategory, description,
		       photos, created_at, assigned_at, started_at, done_at,
		       cancelled_at, closed_at, cancel_reason
		FROM requests
		WHERE id = $1`, string(id),
	)
	return scanRequest(row)
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, requester_id, owner_id, provider_id, status, status_version,
		       lat, lng, geohash, priority, category, subcategory, description,
		       photos, created_at, assigned_at, started_at, done_at,
		       cancelled_at, closed_at, cancel_reason
		FROM requests
		WHERE status = $1
		ORDER BY priority DESC, created_at
		LIMIT $2`, string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateStatus applies a compare-and-swap transition: the row is only updated
// when both the expected status and version still match. Returns false when
// the precondition failed (someone else transitioned first).
func (s *PGStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, providerID *types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET status = $1,
		    status_version = status_version + 1,
		    provider_id = COALESCE($2, provider_id),
		    assigned_at = CASE WHEN $1 = 'ASSIGNED' THEN NOW() ELSE assigned_at END,
		    started_at = CASE WHEN $1 = 'IN_PROGRESS' THEN NOW() ELSE started_at END,
		    done_at = CASE WHEN $1 = 'DONE' THEN NOW() ELSE done_at END,
		    cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN NOW() ELSE cancelled_at END,
		    closed_at = CASE WHEN $1 = 'CLOSED' THEN NOW() ELSE closed_at END
		WHERE id = $3 AND status = $4 AND status_version = $5`,
		string(to),
		toStringPtr(providerID),
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release returns an abandoned request to PUBLISHED and clears its provider,
// under the same CAS precondition as UpdateStatus.
func (s *PGStore) Release(ctx context.Context, id types.ID, from Status, version int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET status = 'PUBLISHED',
		    status_version = status_version + 1,
		    provider_id = NULL,
		    assigned_at = NULL,
		    started_at = NULL
		WHERE id = $1 AND status = $2 AND status_version = $3`,
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindActiveByProvider returns the provider's in-flight request, if any.
// At most one row can match while the at-most-one-assignment invariant holds.
func (s *PGStore) FindActiveByProvider(ctx context.Context, providerID types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, requester_id, owner_id, provider_id, status, status_version,
		       lat, lng, geohash, priority, category, subcategory, description,
		       photos, created_at, assigned_at, started_at, done_at,
		       cancelled_at, closed_at, cancel_reason
		FROM requests
		WHERE provider_id = $1 AND status IN ('ASSIGNED', 'IN_PROGRESS')
		ORDER BY created_at
		LIMIT 1`, string(providerID),
	)
	return scanRequest(row)
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO request_events (
			request_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RequestID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var ownerID, providerID, cancelReason sql.NullString
	var lat, lng sql.NullFloat64
	var assignedAt, startedAt, doneAt, cancelledAt, closedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.RequesterID, &ownerID, &providerID, &r.Status, &r.StatusVersion,
		&lat, &lng, &r.Geohash, &r.Priority, &r.Category, &r.Subcategory, &r.Description,
		&r.Photos, &r.CreatedAt, &assignedAt, &startedAt, &doneAt,
		&cancelledAt, &closedAt, &cancelReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if ownerID.Valid {
		v := types.ID(ownerID.String)
		r.OwnerID = &v
	}
	if providerID.Valid {
		v := types.ID(providerID.String)
		r.ProviderID = &v
	}
	if lat.Valid && lng.Valid {
		r.Location = &types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if cancelReason.Valid {
		r.CancelReason = &cancelReason.String
	}
	r.AssignedAt = toTimePtr(assignedAt)
	r.StartedAt = toTimePtr(startedAt)
	r.DoneAt = toTimePtr(doneAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	r.ClosedAt = toTimePtr(closedAt)
	return &r, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

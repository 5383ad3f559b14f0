// README: Maintenance request aggregate, canonical statuses/roles and alias normalization.
package request

import (
	"fmt"
	"strings"
	"time"

	"presto/internal/types"
)

type Status string

const (
	StatusPublished  Status = "PUBLISHED"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusCancelled  Status = "CANCELLED"
	StatusClosed     Status = "CLOSED"
)

type Role string

const (
	RoleTenant   Role = "TENANT"
	RoleOwner    Role = "OWNER"
	RoleProvider Role = "PROVIDER"
	RoleAdmin    Role = "ADMIN"
)

// statusAliases maps legacy spellings still present in stored rows and old
// client builds onto canonical statuses. Keys are pre-normalized (upper case,
// separators collapsed to underscores).
var statusAliases = map[string]Status{
	"PUBLISHED":   StatusPublished,
	"OPEN":        StatusPublished,
	"PENDING":     StatusPublished,
	"EN_ATTENTE":  StatusPublished,
	"ASSIGNED":    StatusAssigned,
	"ACCEPTED":    StatusAssigned,
	"AFFECTE":     StatusAssigned,
	"IN_PROGRESS": StatusInProgress,
	"STARTED":     StatusInProgress,
	"EN_COURS":    StatusInProgress,
	"DONE":        StatusDone,
	"COMPLETED":   StatusDone,
	"FINISHED":    StatusDone,
	"TERMINE":     StatusDone,
	"CANCELLED":   StatusCancelled,
	"CANCELED":    StatusCancelled,
	"ANNULE":      StatusCancelled,
	"CLOSED":      StatusClosed,
	"ARCHIVED":    StatusClosed,
	"CLOTURE":     StatusClosed,
}

var roleAliases = map[string]Role{
	"TENANT":        RoleTenant,
	"LOCATAIRE":     RoleTenant,
	"CLIENT":        RoleTenant,
	"OWNER":         RoleOwner,
	"PROPRIETAIRE":  RoleOwner,
	"LANDLORD":      RoleOwner,
	"PROVIDER":      RoleProvider,
	"PRESTATAIRE":   RoleProvider,
	"SERVICE_PRO":   RoleProvider,
	"ADMIN":         RoleAdmin,
	"ADMINISTRATOR": RoleAdmin,
	"SUPERADMIN":    RoleAdmin,
}

func normalizeKey(raw string) string {
	k := strings.ToUpper(strings.TrimSpace(raw))
	k = strings.ReplaceAll(k, "-", "_")
	k = strings.ReplaceAll(k, " ", "_")
	return k
}

// NormalizeStatus resolves a free-form status string to its canonical value.
// Unrecognized input is an error, never a silent default.
func NormalizeStatus(raw string) (Status, error) {
	if s, ok := statusAliases[normalizeKey(raw)]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q: %w", raw, ErrInvalidState)
}

// NormalizeRole resolves a free-form role string to its canonical value.
func NormalizeRole(raw string) (Role, error) {
	if r, ok := roleAliases[normalizeKey(raw)]; ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q: %w", raw, ErrInvalidState)
}

// NormalizeRoles resolves a list of raw role strings; any unknown entry fails
// the whole list.
func NormalizeRoles(raw []string) ([]Role, error) {
	out := make([]Role, 0, len(raw))
	for _, r := range raw {
		role, err := NormalizeRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

// Request is a maintenance request. ProviderID is set only once assigned;
// Location is nil for requests filed without coordinates.
type Request struct {
	ID            types.ID
	RequesterID   types.ID
	OwnerID       *types.ID
	ProviderID    *types.ID
	Status        Status
	StatusVersion int
	Location      *types.Point
	Geohash       string
	Priority      int
	Category      string
	Subcategory   string
	Description   string
	Photos        []string
	CreatedAt     time.Time
	AssignedAt    *time.Time
	StartedAt     *time.Time
	DoneAt        *time.Time
	CancelledAt   *time.Time
	ClosedAt      *time.Time
	CancelReason  *string
}

// Event is one row of the append-only request history journal.
type Event struct {
	ID         int64
	RequestID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// Actor is the authenticated principal attempting an operation.
type Actor struct {
	ID    types.ID
	Roles []Role
}

func (a Actor) hasRole(r Role) bool {
	for _, role := range a.Roles {
		if role == r {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the actor holds the ADMIN role.
func (a Actor) IsAdmin() bool {
	return a.hasRole(RoleAdmin)
}

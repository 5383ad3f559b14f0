// README: Role/status transition matrix and ownership-scope authorization.
package request

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState    = errors.New("unrecognized status or role")
	ErrForbidden       = errors.New("transition not allowed for actor")
	ErrNotFound        = errors.New("request not found")
	ErrStaleTransition = errors.New("request changed since it was read")
	ErrCorruptState    = errors.New("stored status is not canonical")
	ErrBadRequest      = errors.New("bad request")
)

// allowedTransitions is the per-role transition matrix. ADMIN is handled as a
// wildcard in CanTransition and never consulted here.
var allowedTransitions = map[Role]map[Status][]Status{
	RoleTenant: {
		StatusPublished: {StatusCancelled},
	},
	RoleProvider: {
		StatusAssigned:   {StatusInProgress},
		StatusInProgress: {StatusDone},
	},
	RoleOwner: {
		StatusPublished: {StatusAssigned},
		StatusDone:      {StatusClosed},
		StatusCancelled: {StatusClosed},
	},
}

// CanTransition reports whether any of the held roles permits moving the
// request from current to next. Same-status no-ops are always allowed and
// ADMIN may perform any transition.
func CanTransition(current, next Status, roles []Role) bool {
	if current == next {
		return true
	}
	for _, role := range roles {
		if role == RoleAdmin {
			return true
		}
		for _, allowed := range allowedTransitions[role][current] {
			if allowed == next {
				return true
			}
		}
	}
	return false
}

// Authorize checks both the transition matrix and the ownership scope of the
// actor against the loaded record. A role only counts if the actor matches
// the record's corresponding foreign key; a nil scope column means the scope
// is not enforced for that record.
func Authorize(actor Actor, req *Request, next Status) error {
	if actor.IsAdmin() {
		return nil
	}
	if req.Status == next {
		return nil
	}
	for _, role := range actor.Roles {
		if !CanTransition(req.Status, next, []Role{role}) {
			continue
		}
		if inScope(actor, req, role) {
			return nil
		}
	}
	return fmt.Errorf("%s -> %s by %v: %w", req.Status, next, actor.Roles, ErrForbidden)
}

func inScope(actor Actor, req *Request, role Role) bool {
	switch role {
	case RoleTenant:
		if req.RequesterID == "" {
			return true
		}
		return req.RequesterID == actor.ID
	case RoleOwner:
		if req.OwnerID == nil {
			return true
		}
		return *req.OwnerID == actor.ID
	case RoleProvider:
		if req.ProviderID == nil {
			return true
		}
		return *req.ProviderID == actor.ID
	default:
		return false
	}
}

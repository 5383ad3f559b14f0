// README: Maintenance request handlers: create, read, guarded transitions, acceptance.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"presto/internal/http/middleware"
	"presto/internal/modules/dispatch"
	"presto/internal/modules/presence"
	"presto/internal/modules/request"
	"presto/internal/types"
)

type RequestHandler struct {
	requests *request.Service
	broker   *dispatch.Broker
}

func NewRequestHandler(requests *request.Service, broker *dispatch.Broker) *RequestHandler {
	return &RequestHandler{requests: requests, broker: broker}
}

type createRequestReq struct {
	OwnerID     string   `json:"owner_id"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Priority    int      `json:"priority"`
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory"`
	Description string   `json:"description"`
	Photos      []string `json:"photos"`
	ProviderID  string   `json:"provider_id"`
}

type requestResponse struct {
	ID          types.ID       `json:"id"`
	RequesterID types.ID       `json:"requester_id"`
	OwnerID     *types.ID      `json:"owner_id,omitempty"`
	ProviderID  *types.ID      `json:"provider_id,omitempty"`
	Status      request.Status `json:"status"`
	Lat         *float64       `json:"lat,omitempty"`
	Lng         *float64       `json:"lng,omitempty"`
	Priority    int            `json:"priority"`
	Category    string         `json:"category"`
	Subcategory string         `json:"subcategory,omitempty"`
	Description string         `json:"description,omitempty"`
	Photos      []string       `json:"photos,omitempty"`
}

func toResponse(r *request.Request) requestResponse {
	resp := requestResponse{
		ID:          r.ID,
		RequesterID: r.RequesterID,
		OwnerID:     r.OwnerID,
		ProviderID:  r.ProviderID,
		Status:      r.Status,
		Priority:    r.Priority,
		Category:    r.Category,
		Subcategory: r.Subcategory,
		Description: r.Description,
		Photos:      r.Photos,
	}
	if r.Location != nil {
		resp.Lat = &r.Location.Lat
		resp.Lng = &r.Location.Lng
	}
	return resp
}

// Create handles POST /api/requests. The authenticated caller becomes the
// requester. Publishing immediately hands the request to the dispatcher; a
// provider_id in the body targets that single provider instead of the
// broadcast shortlist.
func (h *RequestHandler) Create(c *gin.Context) {
	actor := middleware.CallerActor(c)

	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}

	cmd := request.CreateCommand{
		RequesterID: actor.ID,
		Priority:    req.Priority,
		Category:    req.Category,
		Subcategory: req.Subcategory,
		Description: req.Description,
		Photos:      req.Photos,
	}
	if req.OwnerID != "" {
		owner := types.ID(req.OwnerID)
		cmd.OwnerID = &owner
	}
	if req.Lat != nil && req.Lng != nil {
		cmd.Location = &types.Point{Lat: *req.Lat, Lng: *req.Lng}
	}

	r, err := h.requests.Create(c.Request.Context(), cmd)
	if err != nil {
		writeRequestError(c, err)
		return
	}

	if h.broker != nil {
		if req.ProviderID != "" {
			err = h.broker.DirectOffer(c.Request.Context(), r, types.ID(req.ProviderID))
		} else {
			err = h.broker.Dispatch(c.Request.Context(), r)
		}
		if err != nil && !errors.Is(err, dispatch.ErrNoLocation) && !errors.Is(err, presence.ErrInvalidStatus) {
			writeRequestError(c, err)
			return
		}
	}

	writeJSON(c, http.StatusCreated, toResponse(r))
}

// Get handles GET /api/requests/:id.
func (h *RequestHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing request id")
		return
	}
	r, err := h.requests.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toResponse(r))
}

// ListPublished handles GET /api/requests.
func (h *RequestHandler) ListPublished(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	list, err := h.requests.ListPublished(c.Request.Context(), limit)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	out := make([]requestResponse, 0, len(list))
	for _, r := range list {
		out = append(out, toResponse(r))
	}
	writeJSON(c, http.StatusOK, out)
}

type changeStatusReq struct {
	Status     string `json:"status"`
	ProviderID string `json:"provider_id"`
}

// ChangeStatus handles PATCH /api/requests/:id. Role checks live in the
// request module; completion and cancellation feed back into the dispatcher
// so the provider's seat frees up and pending offers are withdrawn. A
// PATCH to ASSIGNED names the provider and runs the dispatcher's
// assignment path so that provider turns BUSY.
func (h *RequestHandler) ChangeStatus(c *gin.Context) {
	actor := middleware.CallerActor(c)
	id := types.ID(c.Param("id"))

	var req changeStatusReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		writeError(c, http.StatusBadRequest, "missing status")
		return
	}

	if next, nErr := request.NormalizeStatus(req.Status); nErr == nil && next == request.StatusAssigned && req.ProviderID != "" {
		h.assignNamed(c, actor, id, types.ID(req.ProviderID))
		return
	}

	r, err := h.requests.ChangeStatus(c.Request.Context(), actor, id, req.Status)
	if err != nil {
		writeRequestError(c, err)
		return
	}

	if h.broker != nil {
		switch r.Status {
		case request.StatusDone:
			h.broker.OnCompleted(c.Request.Context(), r)
		case request.StatusCancelled:
			h.broker.CancelOffer(c.Request.Context(), r.ID)
		}
	}

	writeJSON(c, http.StatusOK, toResponse(r))
}

// assignNamed settles an owner- or admin-directed assignment. The actor is
// checked against the transition matrix, then the dispatcher's acceptance
// path does the CAS and the presence flip for the named provider.
func (h *RequestHandler) assignNamed(c *gin.Context, actor request.Actor, id, providerID types.ID) {
	if h.broker == nil {
		writeError(c, http.StatusServiceUnavailable, "dispatch unavailable")
		return
	}

	cur, err := h.requests.Get(c.Request.Context(), id)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	if err := request.Authorize(actor, cur, request.StatusAssigned); err != nil {
		writeRequestError(c, err)
		return
	}

	r, err := h.broker.Accept(c.Request.Context(), providerID, id)
	if err != nil {
		if errors.Is(err, presence.ErrNotTracked) || errors.Is(err, presence.ErrInvalidStatus) || errors.Is(err, dispatch.ErrProviderBusy) {
			writeError(c, http.StatusConflict, err.Error())
			return
		}
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toResponse(r))
}

// Accept handles POST /api/requests/:id/accept. Only providers may accept;
// concurrent winners are decided by the dispatcher.
func (h *RequestHandler) Accept(c *gin.Context) {
	actor := middleware.CallerActor(c)
	id := types.ID(c.Param("id"))

	if h.broker == nil {
		writeError(c, http.StatusServiceUnavailable, "dispatch unavailable")
		return
	}

	r, err := h.broker.Accept(c.Request.Context(), actor.ID, id)
	if err != nil {
		if errors.Is(err, presence.ErrNotTracked) || errors.Is(err, presence.ErrInvalidStatus) || errors.Is(err, dispatch.ErrProviderBusy) {
			writeError(c, http.StatusConflict, err.Error())
			return
		}
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toResponse(r))
}

// README: Provider presence and wallet handlers.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"presto/internal/http/middleware"
	"presto/internal/modules/presence"
	"presto/internal/modules/wallet"
	"presto/internal/types"
)

type ProviderHandler struct {
	registry *presence.Registry
	wallet   *wallet.Service
}

func NewProviderHandler(registry *presence.Registry, walletSvc *wallet.Service) *ProviderHandler {
	return &ProviderHandler{registry: registry, wallet: walletSvc}
}

type providerResponse struct {
	ProviderID types.ID        `json:"provider_id"`
	Status     presence.Status `json:"status"`
	Lat        *float64        `json:"lat,omitempty"`
	Lng        *float64        `json:"lng,omitempty"`
	LastSeen   time.Time       `json:"last_seen"`
}

func toProviderResponse(p presence.Presence) providerResponse {
	resp := providerResponse{
		ProviderID: p.ProviderID,
		Status:     p.Status,
		LastSeen:   p.LastSeen,
	}
	if p.Location != nil {
		resp.Lat = &p.Location.Lat
		resp.Lng = &p.Location.Lng
	}
	return resp
}

// List handles GET /api/providers. ?status=READY narrows to one presence
// status.
func (h *ProviderHandler) List(c *gin.Context) {
	var pool []presence.Presence
	if raw := c.Query("status"); raw != "" {
		status, err := presence.ParseStatus(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "unknown status")
			return
		}
		for _, p := range h.registry.Snapshot() {
			if p.Status == status {
				pool = append(pool, p)
			}
		}
	} else {
		pool = h.registry.Snapshot()
	}

	out := make([]providerResponse, 0, len(pool))
	for _, p := range pool {
		out = append(out, toProviderResponse(p))
	}
	writeJSON(c, http.StatusOK, out)
}

// Get handles GET /api/providers/:id.
func (h *ProviderHandler) Get(c *gin.Context) {
	id := types.ID(c.Param("id"))
	p, ok := h.registry.Get(id)
	if !ok {
		writeError(c, http.StatusNotFound, "provider not tracked")
		return
	}
	writeJSON(c, http.StatusOK, toProviderResponse(p))
}

type walletResponse struct {
	ProviderID types.ID `json:"provider_id"`
	Balance    int64    `json:"balance"`
	Currency   string   `json:"currency"`
}

// Wallet handles GET /api/providers/:id/wallet. Providers may only read
// their own balance; admins may read anyone's.
func (h *ProviderHandler) Wallet(c *gin.Context) {
	actor := middleware.CallerActor(c)
	id := types.ID(c.Param("id"))
	if actor.ID != id && !actor.IsAdmin() {
		writeError(c, http.StatusForbidden, "not your wallet")
		return
	}

	balance, err := h.wallet.Balance(c.Request.Context(), id)
	if err != nil {
		writeWalletError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, walletResponse{
		ProviderID: id,
		Balance:    balance.Amount,
		Currency:   balance.Currency,
	})
}

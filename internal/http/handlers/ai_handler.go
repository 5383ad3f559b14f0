// README: AI category suggestion handler (Gemini-backed).
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"presto/internal/ai"
	"presto/internal/http/middleware"
	"presto/internal/modules/quota"
)

type AIHandler struct {
	advisor ai.Advisor
	quota   *quota.Service
}

func NewAIHandler(advisor ai.Advisor, quotaSvc *quota.Service) *AIHandler {
	return &AIHandler{advisor: advisor, quota: quotaSvc}
}

type suggestCategoryReq struct {
	Description string `json:"description"`
}

// SuggestCategory handles POST /api/requests/suggest-category. The caller
// sends a free-text problem description and gets back a category,
// subcategory and priority guess to prefill the request form.
func (h *AIHandler) SuggestCategory(c *gin.Context) {
	if h.advisor == nil {
		writeError(c, http.StatusServiceUnavailable, "suggestions unavailable")
		return
	}

	var req suggestCategoryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		writeError(c, http.StatusBadRequest, "missing description")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if h.quota != nil {
		actor := middleware.CallerActor(c)
		if err := h.quota.Consume(ctx, string(actor.ID)); err != nil {
			if errors.Is(err, quota.ErrQuotaExceeded) {
				writeError(c, http.StatusTooManyRequests, err.Error())
				return
			}
			writeError(c, http.StatusInternalServerError, "internal error")
			return
		}
	}

	suggestion, err := h.advisor.SuggestCategory(ctx, req.Description)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(c, http.StatusOK, suggestion)
}

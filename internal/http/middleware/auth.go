// README: JWT auth middleware; resolves the bearer token into a request actor.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"presto/internal/auth"
	"presto/internal/modules/request"
	"presto/internal/types"
)

const actorKey = "presto.actor"

// TokenValidator abstracts auth.Manager so handler tests can stub it.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// Auth rejects requests without a valid Bearer token and stores the resolved
// actor in the gin context. Unknown role claims are dropped, not fatal; a
// token with zero recognized roles still identifies the caller.
func Auth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := tokens.Validate(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		actor := request.Actor{ID: types.ID(claims.UserID)}
		for _, r := range claims.Roles {
			if role, err := request.NormalizeRole(r); err == nil {
				actor.Roles = append(actor.Roles, role)
			}
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// CallerActor returns the actor stored by Auth. The zero Actor means the
// middleware did not run on this route.
func CallerActor(c *gin.Context) request.Actor {
	v, ok := c.Get(actorKey)
	if !ok {
		return request.Actor{}
	}
	actor, _ := v.(request.Actor)
	return actor
}

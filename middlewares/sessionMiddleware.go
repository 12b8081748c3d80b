package middlewares

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/estate_backend/config"
	"github.com/mmdatafocus/estate_backend/utils"
)

// SessionLookup loads the actor stored for a session token.
type SessionLookup func(ctx context.Context, key string, dest interface{}) (bool, error)

// SessionMiddleware accepts the identity service's opaque session token (header "token"),
// stored in redis as Session:<token> => actor JSON.
func SessionMiddleware() gin.HandlerFunc {
	return SessionMiddlewareWith(config.GetRedisObject)
}

func SessionMiddlewareWith(lookup SessionLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		var actor utils.Actor
		exists, err := lookup(c.Request.Context(), "Session:"+token, &actor)
		if err != nil || !exists || actor.Id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		c.Request = c.Request.WithContext(utils.SetActorInContext(ctx, actor))
		c.Next()
	}
}

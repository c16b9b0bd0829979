package middleware

import (
	"github.com/gin-gonic/gin"

	"agrimarket/internal/core/apperror"
	appctx "agrimarket/internal/core/context"
)

// HeaderActorID carries the caller identity resolved by the gateway in front
// of the service. Authentication itself happens upstream.
const HeaderActorID = "X-Actor-ID"

// Actor puts the caller identity into the request context. Requests without
// the header are rejected.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.GetHeader(HeaderActorID)
		if actorID == "" {
			_ = c.Error(apperror.NewValidation("missing " + HeaderActorID + " header"))
			c.Abort()
			return
		}

		ctx := appctx.WithActor(c.Request.Context(), &appctx.ActorContext{
			ActorID: actorID,
			Source:  "http",
		})
		c.Request = c.Request.WithContext(ctx)
		c.Set("actor_id", actorID)

		c.Next()
	}
}

package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	UserIDHeader   = "X-USER-ID"
	userIDMetadata = "x-user-id"
)

type userKey struct{}

var UserContextKey = userKey{}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserContextKey, userID)
}

// UserID returns the authenticated user id, or "" when the call is anonymous.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserContextKey).(string)
	return id
}

// Identity copies the X-USER-ID header set by the auth proxy into the request
// context.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(UserIDHeader)); id != "" {
			c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), id))
		}
		c.Next()
	}
}

// IdentityInterceptor is the gRPC counterpart of Identity, reading x-user-id
// metadata.
func IdentityInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return handler(ctx, req)
		}

		if ids := md.Get(userIDMetadata); len(ids) > 0 && strings.TrimSpace(ids[0]) != "" {
			ctx = WithUserID(ctx, strings.TrimSpace(ids[0]))
		}
		return handler(ctx, req)
	}
}

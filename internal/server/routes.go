package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/auth"
)

const userIDKey = "user_id"

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	api := router.Group("/api")

	api.POST("/auth/register", handleRegister(opts))
	api.POST("/auth/login", handleLogin(opts))
	api.GET("/auth/check", requireAuth(opts.JWTSecret), handleCheck())
	if opts.GitHub != nil {
		api.GET("/auth/github/login", handleGitHubLogin(opts))
		api.GET("/auth/github/callback", handleGitHubCallback(opts))
	}

	api.GET("/models", handleModels(opts))

	api.POST("/chats", optionalAuth(opts.JWTSecret), handleCreateChat(opts))
	api.GET("/chats", requireAuth(opts.JWTSecret), handleListChats(opts))
	api.GET("/chats/:uid", optionalAuth(opts.JWTSecret), handleGetChat(opts))
	api.POST("/chats/:uid/prompts", optionalAuth(opts.JWTSecret), handleCreatePrompt(opts))
	api.POST("/chats/:uid/share", requireAuth(opts.JWTSecret), handleShareChat(opts))
	api.GET("/chats/:uid/shared", handleSharedChat(opts))
	api.GET("/chats/:uid/stream", optionalAuth(opts.JWTSecret), handleStream(opts))

	profile := api.Group("/profile", requireAuth(opts.JWTSecret))
	profile.GET("", handleGetProfile(opts))
	profile.PATCH("", handleUpdateProfile(opts))
}

// tokenFromRequest extracts the JWT from the Authorization header, or from
// the token query parameter for clients that cannot set headers (EventSource).
func tokenFromRequest(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
			return rest
		}
	}
	return c.Query("token")
}

// requireAuth rejects requests without a valid token.
func requireAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		userID, err := auth.ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userIDKey, userID)
	}
}

// optionalAuth attaches the user when a valid token is present and lets
// anonymous requests through.
func optionalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c)
		if token == "" {
			return
		}
		if userID, err := auth.ParseToken(secret, token); err == nil {
			c.Set(userIDKey, userID)
		}
	}
}

// currentUserID returns the authenticated user id, or nil for anonymous
// requests.
func currentUserID(c *gin.Context) *uint {
	v, ok := c.Get(userIDKey)
	if !ok {
		return nil
	}
	id := v.(uint)
	return &id
}

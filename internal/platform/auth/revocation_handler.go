package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type revokeSessionRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

type revokeActorRequest struct {
	ActorID string `json:"actor_id"`
}

type revocationListResponse struct {
	Count    int              `json:"count"`
	Sessions []RevokedSession `json:"sessions"`
}

// RegisterRevocationRoutes mounts session revocation management under /auth.
// All endpoints require the admin role.
func RegisterRevocationRoutes(g *echo.Group, revoker *SessionRevoker) {
	authGroup := g.Group("/auth", RequireRole("admin"))

	authGroup.POST("/revoke", handleRevokeSession(revoker))
	authGroup.POST("/revoke-actor", handleRevokeActor(revoker))
	authGroup.GET("/revocations", handleListRevocations(revoker))
}

func handleRevokeSession(revoker *SessionRevoker) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeSessionRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			// Without a stated expiry, hold the entry for an hour.
			req.ExpiresAt = time.Now().Add(time.Hour)
		}
		revoker.Revoke(req.JTI, req.ExpiresAt)
		return c.NoContent(http.StatusNoContent)
	}
}

func handleRevokeActor(revoker *SessionRevoker) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeActorRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.ActorID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "actor_id is required")
		}
		count := revoker.RevokeActor(req.ActorID)
		return c.JSON(http.StatusOK, map[string]int{"revoked_count": count})
	}
}

func handleListRevocations(revoker *SessionRevoker) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessions := revoker.Sessions()
		return c.JSON(http.StatusOK, revocationListResponse{
			Count:    len(sessions),
			Sessions: sessions,
		})
	}
}

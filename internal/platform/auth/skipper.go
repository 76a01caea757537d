package auth

import (
	"github.com/labstack/echo/v4"
)

// Infrastructure endpoints served without credentials. Everything else in
// the API carries an actor identity, which the quota and audit layers
// depend on.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper is the Skipper for JWTConfig and DevAuthMiddleware: health
// checks stay reachable without a bearer token or tenant context.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether the path bypasses auth and tenant
// middleware.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}

package httpapi

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/recallhq/recalld/internal/logging"
)

// ownerContextKey is the echo context key carrying the authenticated owner.
const ownerContextKey = "recalld.owner"

// jwtAuth validates the HS256 bearer token and stores the subject claim as
// the request's owner id. Every /api route runs behind it.
func jwtAuth(secret []byte, logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner, err := authenticate(c.Request().Header.Get(echo.HeaderAuthorization), secret)
			if err != nil {
				return writeError(c, logger, fmt.Errorf("%w: %v", ErrUnauthorized, err))
			}

			c.Set(ownerContextKey, owner)
			ctx := logging.WithOwner(c.Request().Context(), owner)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func authenticate(header string, secret []byte) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(strings.TrimPrefix(header, prefix), func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// ownerFrom returns the authenticated owner id set by jwtAuth.
func ownerFrom(c echo.Context) string {
	owner, _ := c.Get(ownerContextKey).(string)
	return owner
}

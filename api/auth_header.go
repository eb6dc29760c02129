package api

import (
	"errors"
	"strings"
	"unsafe"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerScheme = "bearer "

// authHeader returns the Authorization header. EventSource cannot set
// headers, so the stream also accepts the token as a query parameter.
func authHeader(c echo.Context, allowQuery bool) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if h == "" && allowQuery {
		if token := c.QueryParam("access_token"); token != "" {
			h = "Bearer " + token
		}
	}
	return h
}

// bearerTokenFromString accepts "Bearer <jwt>" with any scheme casing and
// surrounding spaces. The token must have three dot-separated parts.
func bearerTokenFromString(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errMissingAuthorization
	}
	if len(trimmed) <= len(bearerScheme) || !strings.EqualFold(trimmed[:len(bearerScheme)], bearerScheme) {
		return nil, errBadAuthorization
	}
	token := strings.TrimLeft(trimmed[len(bearerScheme):], " ")
	if strings.Count(token, ".") != 2 {
		return nil, errBadAuthorization
	}
	return readOnlyBytes(token), nil
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

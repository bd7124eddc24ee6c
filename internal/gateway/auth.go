package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// mintToken generates a fresh bearer token for one Instance. Grounded on the
// same crypto/rand-backed identity minting the teacher uses for device
// pairing, sized generously since this token is the only access control the
// relay has.
func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// extractToken pulls a bearer token out of a request the way the relay's
// clients are expected to send it: an Authorization header first, falling
// back to a ?token= query parameter for browser-based CDP clients that
// cannot set arbitrary headers on a WebSocket upgrade.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("token")
}

// checkToken compares the supplied token against the Instance's token in
// constant time, so responses don't leak timing information about how many
// leading bytes matched.
func (inst *Instance) checkToken(candidate string) bool {
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(inst.token)) == 1
}

// AuthMiddleware is the echo middleware gating the /json/* and /cdp
// surfaces. /extension is deliberately never wrapped with this — the
// extension has no way to supply a bearer token and is trusted by
// construction (it is the thing the token protects access to).
func (inst *Instance) AuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !inst.checkToken(extractToken(c.Request())) {
				return writeRelayError(c, newError(KindUnauthorized, "missing or invalid token"))
			}
			return next(c)
		}
	}
}

// AuthHeader builds the Authorization header a Go client should send when
// talking to this Instance's HTTP/WS surface, mirroring the spec's
// getRelayAuthHeaders(cdpUrl) convenience helper.
func (inst *Instance) AuthHeader() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+inst.token)
	return h
}

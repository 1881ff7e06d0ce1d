package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/pacs-cache/telemetry"
)

// Roles granted by the API tokens.
const (
	roleOperator = "operator"
	roleViewer   = "viewer"
)

// exemptPaths are served without a token.
var exemptPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware checks the bearer token against the operator and viewer
// tokens. Operators may do anything; viewers may only read the operation
// list, the cache contents and the PACS directory. With no tokens
// configured every request is let through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" && s.config.ViewerToken == "" {
		return next
	}

	tokens := map[string][]byte{}
	if s.config.AuthToken != "" {
		tokens[roleOperator] = []byte(s.config.AuthToken)
	}
	if s.config.ViewerToken != "" {
		tokens[roleViewer] = []byte(s.config.ViewerToken)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		role := ""
		if ok {
			role = matchRole(tokens, []byte(token))
		}
		switch {
		case role == "":
			unauthorizedResponse(w)
			return
		case role == roleViewer && !readOnly(r.Method):
			telemetry.SetRole(r, role)
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "viewer token cannot " + r.Method + " " + r.URL.Path})
			return
		}

		telemetry.SetRole(r, role)
		next.ServeHTTP(w, r)
	})
}

// matchRole returns the role whose token matches, or "". Every token is
// compared.
func matchRole(tokens map[string][]byte, token []byte) string {
	role := ""
	for r, want := range tokens {
		if subtle.ConstantTimeCompare(token, want) == 1 {
			role = r
		}
	}
	return role
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
}

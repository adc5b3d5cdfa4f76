package auth

import (
	"encoding/json"
	"net/http"

	"github.com/commandmesh/platform/pkg/logger"
	"go.uber.org/zap"
)

// Middleware gates every request through an OPA policy decision keyed
// on method, path, and command name (when present on the route). A
// denied or failed evaluation returns 403 without calling next.
func Middleware(authz OPAAuthorizer, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			input := map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			}
			if r.Method == http.MethodPost {
				if name := commandNameFromPath(r.URL.Path); name != "" {
					input["commandName"] = name
				}
			}

			allowed, err := authz.IsAllowed(r.Context(), input)
			if err != nil {
				log.Error("authorization check failed", zap.Error(err), zap.String("path", r.URL.Path))
				respondDenied(w, "authorization check failed")
				return
			}
			if !allowed {
				respondDenied(w, "forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func respondDenied(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// commandNameFromPath returns the segment after /commands/, or empty for
// any other route (e.g. /health). The path alone cannot tell a command
// name from a command id, so Middleware only consults it on POST, the
// method of /commands/{Name}; GET /commands/{id} carries no commandName.
func commandNameFromPath(path string) string {
	const prefix = "/commands/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return ""
	}
	return path[len(prefix):]
}

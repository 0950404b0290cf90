package auth

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RequireSelf rejects requests where the {user} url parameter does not match
// the authenticated user. Admins may act on any user's resources.
func RequireSelf() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			target := chi.URLParam(r, "user")
			if target == "" {
				http.Error(w, "missing {user} url parameter", http.StatusBadRequest)
				return
			}

			if target != user.Username && !user.IsAdmin {
				http.Error(w, fmt.Sprintf("user %v cannot access resources owned by %v", user.Username, target), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(handler)
	}
}

package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type GroupMembership interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

// RequireGroupMember rejects requests whose user does not belong to the group
// named by the URL parameter.
func RequireGroupMember(members GroupMembership, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			groupID := chi.URLParam(r, param)
			if groupID == "" {
				http.Error(w, "missing group id", http.StatusBadRequest)
				return
			}
			isMember, err := members.IsMember(r.Context(), groupID, userID)
			if err != nil {
				http.Error(w, "unable to verify group membership", http.StatusInternalServerError)
				return
			}
			if !isMember {
				http.Error(w, "group membership required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

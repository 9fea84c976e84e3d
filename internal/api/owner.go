package api

import (
	"context"
	"net/http"
	"strings"
)

const (
	ownerHeader = "X-Owner-ID"
	actorHeader = "X-Actor-ID"
)

type ownerKey struct{}

// requireOwner reads the principal set by the authenticating proxy.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(ownerHeader))
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + ownerHeader})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

// actorFrom names who is acting: a collaborator id when the proxy sets one,
// otherwise the owner.
func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
		return actor
	}
	return ownerFrom(r)
}

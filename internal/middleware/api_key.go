package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/dukepan/chat-rooms-server/internal/utils"
)

// APIKeyMiddleware guards the management surface with the static admin key.
// A missing or mismatched X-Api-Key header yields 401.
func APIKeyMiddleware(adminAPIKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := req.Header.Get("X-Api-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminAPIKey)) != 1 {
			utils.RespondAppError(w, utils.Unauthorized())
			return
		}
		next.ServeHTTP(w, req)
	})
}

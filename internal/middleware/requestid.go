package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID заголовок, которым клиент помечает логический запрос.
// Повторы одного запроса несут тот же идентификатор.
const HeaderRequestID = "X-Request-ID"

// RequestID проставляет идентификатор запроса, если клиент его не прислал,
// и возвращает его в ответе.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set(HeaderRequestID, reqID)
		}
		w.Header().Set(HeaderRequestID, reqID)
		next.ServeHTTP(w, r)
	})
}

package gatewaytest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"termchat/internal/middleware"
)

// CompletionsPath путь, по которому фейковый шлюз принимает запросы.
const CompletionsPath = "/api/v1/chat/completions"

// newRouter собирает chi-роутер с общими middleware.
func newRouter(logger *slog.Logger, g *Gateway) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})

	r.Post(CompletionsPath, g.handleCompletions)

	return r
}

// Package gateway is the inbound HTTP dispatcher: for each request,
// detect a WebSocket upgrade and hand the connection to the tunnel
// engine, or else route by path to the identity management surface.
package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Dreamacro/vlgate/dialer"
	"github.com/Dreamacro/vlgate/identity"
	"github.com/Dreamacro/vlgate/log"
	"github.com/Dreamacro/vlgate/tunnel"
	"github.com/Dreamacro/vlgate/wsconn"
)

// Dependencies are the process-wide collaborators the dispatcher wires
// into both the tunnel engine and the management handlers.
type Dependencies struct {
	Identity     *identity.Store
	Dialer       *dialer.Dialer
	EngineConfig tunnel.Config
	// IndexHTML is served for GET / (and any other unmatched GET), the
	// account UI page served verbatim.
	IndexHTML []byte
}

// Router builds the top-level handler: WebSocket upgrades bypass chi
// entirely and go straight to the tunnel engine; everything else is
// routed by path to the management surface.
func Router(deps *Dependencies) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	handlers := &accountHandlers{identity: deps.Identity}
	mux.Get("/api/accounts", handlers.list)
	mux.Post("/api/create", handlers.create)
	mux.Post("/api/delete", handlers.delete)
	mux.Get("/*", serveIndex(deps.IndexHTML))

	engine := tunnel.New(deps.Identity, deps.Dialer, deps.EngineConfig)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			stream, err := wsconn.Accept(w, r)
			if err != nil {
				log.Warnln("[Gateway] upgrade failed: %v", err)
				http.Error(w, "upgrade failed", http.StatusBadRequest)
				return
			}
			engine.Run(r.Context(), stream)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func serveIndex(html []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(html) == 0 {
			html = []byte(defaultIndexHTML)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(html)
	}
}

const defaultIndexHTML = `<!DOCTYPE html>
<html><head><title>vlgate</title></head>
<body><p>vlgate is running.</p></body></html>
`

package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

// Viewer is the local control surface a UI layer talks to.
type Viewer struct {
	Calls *call.Manager
	Node  *p2p.Node // nil when signaling goes through a relay
	DB    *storage.DB
	Logs  *LogBuffer

	// Metrics is served at /metrics when set.
	Metrics prometheus.Gatherer

	HistoryLimit int
}

// Handler builds the HTTP routes for v.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Calls:        v.Calls,
		Node:         v.Node,
		DB:           v.DB,
		HistoryLimit: v.HistoryLimit,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	api := http.NewServeMux()
	routes.Register(api, deps)
	mux.Handle("/api/", apiHeaders(api))

	if v.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(v.Metrics, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves v on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infof("viewer listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// apiHeaders marks every API response as uncacheable; call state changes
// under the client's feet.
func apiHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("Pragma", "no-cache")
		h.Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

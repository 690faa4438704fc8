// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls *call.Manager
	Node  *p2p.Node
	DB    *storage.DB
	Logs  Logs

	HistoryLimit int
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerSelfRoutes(mux, d)
	RegisterCall(mux, d.Calls)
	if d.DB != nil {
		RegisterHistory(mux, d.DB, d.HistoryLimit)
	}
}

package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/p2p"
)

type selfInfo struct {
	Identity string    `json:"identity"`
	Node     *p2p.Info `json:"node,omitempty"`
}

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		var out selfInfo
		if d.Calls != nil {
			out.Identity = d.Calls.Self()
		}
		if d.Node != nil {
			info := d.Node.Info()
			out.Node = &info
		}
		writeJSON(w, out)
	})
}

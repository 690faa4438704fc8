package routes

import (
	"net/http"
	"strings"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
)

// stateView is a call.Snapshot plus its display duration.
type stateView struct {
	call.Snapshot
	Duration string `json:"duration"`
}

func viewOf(s call.Snapshot) stateView {
	return stateView{Snapshot: s, Duration: call.FormatSeconds(s.DurationSeconds)}
}

// RegisterCall registers the call control endpoints. callMgr may be nil, in
// which case only GET /api/call/state is registered and it reports idle.
func RegisterCall(mux *http.ServeMux, callMgr *call.Manager) {
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		if callMgr == nil {
			writeJSON(w, viewOf(call.Snapshot{State: call.StateIdle}))
			return
		}
		writeJSON(w, viewOf(callMgr.Snapshot()))
	})

	if callMgr == nil {
		return
	}

	// GET /api/call/debug: current snapshot and the recent transition ring.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"self":   callMgr.Self(),
			"state":  viewOf(callMgr.Snapshot()),
			"recent": callMgr.Recent(),
		})
	})

	handlePost(mux, "/api/call/dial", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer  string `json:"peer"`
		Video bool   `json:"video"`
	}) {
		if strings.TrimSpace(req.Peer) == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		if err := callMgr.Dial(r.Context(), req.Peer, req.Video); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, viewOf(callMgr.Snapshot()))
	})

	action := func(path string, fn func(*call.Manager, *http.Request) error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := fn(callMgr, r); err != nil {
				callError(w, err)
				return
			}
			writeJSON(w, viewOf(callMgr.Snapshot()))
		})
	}
	action("/api/call/answer", func(m *call.Manager, r *http.Request) error { return m.Answer(r.Context()) })
	action("/api/call/decline", func(m *call.Manager, r *http.Request) error { return m.Decline(r.Context()) })
	action("/api/call/hangup", func(m *call.Manager, r *http.Request) error { return m.Hangup(r.Context()) })
	action("/api/call/cancel", func(m *call.Manager, r *http.Request) error { return m.Cancel(r.Context()) })

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := callMgr.ToggleMute(r.Context())
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := callMgr.ToggleVideo(r.Context())
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// GET /api/call/events: SSE stream of "state" snapshots and
	// "incoming-call" notices. Each connection holds its own subscriptions
	// and drops them on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		states, cancel := callMgr.Subscribe()
		defer cancel()
		inCh := callMgr.SubscribeIncoming()
		defer callMgr.UnsubscribeIncoming(inCh)

		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-states:
				if writeSSE(w, "state", viewOf(s)) != nil {
					return
				}
			case ic := <-inCh:
				if writeSSE(w, "incoming-call", ic) != nil {
					return
				}
			}
			flusher.Flush()
		}
	})
}

// RegisterHistory registers the call history and contact endpoints.
func RegisterHistory(mux *http.ServeMux, db *storage.DB, defLimit int) {
	if defLimit <= 0 {
		defLimit = 50
	}

	// GET /api/call/history?limit=N&peer=ID
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.ListCalls(r.URL.Query().Get("peer"), queryLimit(r, defLimit))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats, err := db.CallStats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []storage.CallRow{}
		}
		writeJSON(w, map[string]any{"calls": rows, "stats": stats})
	})

	mux.HandleFunc("/api/call/contacts", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			list, err := db.ListContacts()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if list == nil {
				list = []storage.Contact{}
			}
			writeJSON(w, list)
		case http.MethodPost:
			var req struct {
				Peer string `json:"peer"`
				Name string `json:"name"`
			}
			if decodeJSON(w, r, &req) != nil {
				return
			}
			if strings.TrimSpace(req.Peer) == "" {
				http.Error(w, "missing peer", http.StatusBadRequest)
				return
			}
			if err := db.SetContactName(strings.TrimSpace(req.Peer), strings.TrimSpace(req.Name)); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

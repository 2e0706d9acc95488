// Package monitor exposes a read-only debug surface over HTTP: per-tab call
// and placement state, message counters, a live event stream and the
// captured log.
package monitor

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/thorbis/callsync/internal/callsync"
	"github.com/thorbis/callsync/internal/state"
)

// TabStatus is one tab's view as reported by /api/callsync/debug.
type TabStatus struct {
	ID          string            `json:"id"`
	Transport   string            `json:"transport"`
	Call        state.Call        `json:"call"`
	Display     state.Status      `json:"display"`
	Preferences state.Preferences `json:"preferences"`
	Stats       callsync.Stats    `json:"stats"`
}

// Inspector lists the tabs currently hosted.
type Inspector interface {
	TabStatuses() []TabStatus
}

const recentEvents = 50

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Register mounts the monitor endpoints on mux. logs may be nil.
func Register(mux *http.ServeMux, insp Inspector, rec *Recorder, logs *LogBuffer) {
	// GET /api/callsync/debug: every tab's state plus the newest events.
	handleGet(mux, "/api/callsync/debug", func(w http.ResponseWriter, r *http.Request) {
		tabs := insp.TabStatuses()
		writeJSON(w, map[string]any{
			"tab_count": len(tabs),
			"tabs":      tabs,
			"events":    rec.Recent(recentEvents),
		})
	})

	// GET /api/callsync/ws: a connected frame, then one JSON text frame per
	// event. Tail only.
	handleGet(mux, "/api/callsync/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("MONITOR: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		ch, cancel := rec.Subscribe()
		defer cancel()
		if err := conn.WriteJSON(map[string]string{"kind": "connected"}); err != nil {
			return
		}

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-gone:
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			}
		}
	})

	if logs != nil {
		handleGet(mux, "/api/callsync/logs", logs.ServeLogsJSON)
	}
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("MONITOR: encode response: %v", err)
	}
}

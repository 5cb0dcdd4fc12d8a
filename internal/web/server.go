// Package web serves the ground-side HTTP surface: controller status, the
// soft-reset action, and a live websocket stream of per-tick snapshots.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"airbrake-fc/internal/flight"
)

// Controller is the part of the flight service the web surface talks to.
// Implementations are safe to call concurrently.
type Controller interface {
	Snapshot() flight.Snapshot
	RequestReset()
}

func Handler(ctrl Controller, bc *Broadcaster) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		b, err := json.MarshalIndent(ctrl.Snapshot(), "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})

	// Soft reset: re-arm the estimator and controller for the next attempt.
	// Applied between ticks, so it is safe while the loop is running.
	mux.HandleFunc("/api/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctrl.RequestReset()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{\"ok\":true}\n"))
	})

	mux.Handle("/api/about", AboutHandler())

	if bc != nil {
		mux.Handle("/ws", streamHandler(bc))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		snap := ctrl.Snapshot()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>airbrake-fc</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>airbrake-fc</h1>")
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a>; live stream on /ws.</p>")
		_, _ = fmt.Fprintf(w, "<pre>state=%s\ncmd_deg=%.1f\nelapsed_s=%.2f\nlast_update_utc=%s</pre>",
			snap.State, snap.AirbrakeCmdDeg, snap.ElapsedS, snap.LastUpdateAt.Format(time.RFC3339),
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The board runs on an isolated pad network; the UI may be served from
	// a laptop with a different origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func streamHandler(bc *Broadcaster) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, ch := bc.Subscribe(4)
		defer bc.Unsubscribe(id)

		// Drain client frames so close/ping handling works; the stream is
		// one-way.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for snap := range ch {
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("web: stream write: %v", err)
				}
				return
			}
		}
	})
}

func Serve(ctx context.Context, listenAddr string, ctrl Controller, bc *Broadcaster) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(ctrl, bc),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      0, // websocket streams outlive any fixed deadline
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

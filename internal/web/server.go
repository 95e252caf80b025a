// Package web exposes the bridge's status and live position over HTTP:
// a JSON snapshot endpoint for polling and a websocket for streaming fixes.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"rtkbridge/internal/gnss"
	"rtkbridge/internal/session"
)

// StatusProvider is the slice of the session the server reads from.
type StatusProvider interface {
	Snapshot() session.Snapshot
	Position() (gnss.Position, bool)
	Subscribe(buffer int) (int, <-chan gnss.Position)
	Unsubscribe(id int)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge runs on a trusted field network; the UI may be served
	// from a different host than the API.
	CheckOrigin: func(*http.Request) bool { return true },
}

func Handler(sess StatusProvider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := sess.Snapshot()
		b, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})

	mux.HandleFunc("/api/position", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		pos, ok := sess.Position()
		if !ok {
			http.Error(w, "no fix yet", http.StatusNotFound)
			return
		}
		b, err := json.MarshalIndent(pos, "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})

	mux.HandleFunc("/api/position/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return
		}
		defer conn.Close()

		id, updates := sess.Subscribe(8)
		defer sess.Unsubscribe(id)

		// Drain the client side so pings and close frames are processed.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-readDone:
				return
			case pos, ok := <-updates:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(pos); err != nil {
					return
				}
			}
		}
	})

	return mux
}

func Serve(ctx context.Context, listenAddr string, sess StatusProvider) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(sess),
		ReadHeaderTimeout: 5 * time.Second,
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

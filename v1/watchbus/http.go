package watchbus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Subscription selects what an HTTP client receives: the events of every
// listed resource whose kind starts with one of the kind prefixes. No prefix
// means every kind.
type Subscription struct {
	Keys  []string
	Kinds []string
}

// ParseSubscription reads repeated "key" and "kind" query parameters, e.g.
// ?key=notes&key=todo&kind=lock.
func ParseSubscription(r *http.Request) (Subscription, error) {
	q := r.URL.Query()
	s := Subscription{Keys: nonEmpty(q["key"]), Kinds: nonEmpty(q["kind"])}
	if len(s.Keys) == 0 {
		return s, errors.New("missing key")
	}
	return s, nil
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Match reports whether ev is wanted.
func (s Subscription) Match(ev Event) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if strings.HasPrefix(ev.Kind, k) {
			return true
		}
	}
	return false
}

// frame is one event as published, with its decoded kind.
type frame struct {
	kind string
	data []byte
}

// stream watches every key of s and merges the matching events onto one
// channel. The channel closes once ctx is done and every key is unwatched.
func stream(ctx context.Context, bus WatchBus, s Subscription) (<-chan frame, error) {
	out := make(chan frame, 16)
	var wg sync.WaitGroup
	for _, key := range s.Keys {
		ch, err := bus.Watch(ctx, key)
		if err != nil {
			go func() {
				wg.Wait()
				close(out)
			}()
			return nil, fmt.Errorf("watch %s: %w", key, err)
		}
		wg.Add(1)
		go func(key string, ch chan []byte) {
			defer wg.Done()
			defer func() { _ = bus.Unwatch(context.Background(), key, ch) }()
			for {
				select {
				case msg, ok := <-ch:
					if !ok {
						return
					}
					ev, err := Decode(msg)
					if err != nil || !s.Match(ev) {
						continue
					}
					select {
					case out <- frame{kind: ev.Kind, data: msg}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(key, ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// SSEHandler streams events over Server-Sent Events, one SSE event per bus
// event, named after its kind.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := ParseSubscription(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		frames, err := stream(ctx, bus, sub)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for f := range frames {
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.kind, f.data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams events over WebSocket, one text frame of event
// JSON per bus event.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := ParseSubscription(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		frames, err := stream(ctx, bus, sub)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		// The client never sends data; reading notices its close frame.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		}
	}
}

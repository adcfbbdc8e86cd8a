package web

import (
	"fmt"
	"net/http"
	"strings"
)

// Broadcast fans a topic out to subscribed SSE clients. Clients whose
// buffers are full are skipped rather than blocking a service transaction.
func (s *Server) Broadcast(topic string) {
	s.sseMu.RLock()
	defer s.sseMu.RUnlock()

	for ch, topics := range s.sseClients {
		if topics != nil && !topics[topic] {
			continue
		}
		select {
		case ch <- topic:
		default:
			// Client too slow, skip
		}
	}
}

// subscribe registers an SSE client; a nil filter receives every topic.
func (s *Server) subscribe(topics map[string]bool) chan string {
	ch := make(chan string, 10)
	s.sseMu.Lock()
	s.sseClients[ch] = topics
	s.sseMu.Unlock()
	return ch
}

// unsubscribe removes a client; safe after Shutdown already closed it.
func (s *Server) unsubscribe(ch chan string) {
	s.sseMu.Lock()
	if _, ok := s.sseClients[ch]; ok {
		delete(s.sseClients, ch)
		close(ch)
	}
	s.sseMu.Unlock()
}

// handleSSE streams topic updates for the whole control plane. An optional
// topics query narrows the stream (comma-separated, e.g. runs,slots).
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	var topics map[string]bool
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			topics[strings.TrimSpace(t)] = true
		}
	}
	s.streamEvents(w, r, topics)
}

// handleRunEventStream streams updates for one run.
func (s *Server) handleRunEventStream(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.streamEvents(w, r, map[string]bool{
		"run:" + run.ID: true,
		"runs":          true,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, topics map[string]bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := s.subscribe(topics)
	defer s.unsubscribe(ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	s.logger.Debug("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return
		case topic, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: update\ndata: {\"topic\":%q}\n\n", topic)
			flusher.Flush()
		}
	}
}

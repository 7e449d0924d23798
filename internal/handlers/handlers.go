// Package handlers exposes the operational HTTP surface: connection
// and queue status, queue metrics, and manual retry of failed
// messages.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/chat"
	"chatrelay/internal/queue"
	"chatrelay/internal/transport"
)

type Server struct {
	svc  *chat.Service
	q    *queue.Queue
	conn *transport.Manager
}

func New(svc *chat.Service, q *queue.Queue, conn *transport.Manager) *Server {
	return &Server{svc: svc, q: q, conn: conn}
}

// Router builds the HTTP handler with request logging middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.Status()).Methods("GET")
	r.HandleFunc("/queue/metrics", s.QueueMetrics()).Methods("GET")
	r.HandleFunc("/queue/retry", s.RetryAllFailed()).Methods("POST")
	r.HandleFunc("/queue/retry/{messageId}", s.RetryMessage()).Methods("POST")
	r.HandleFunc("/conversations", s.Conversations()).Methods("GET")
	r.HandleFunc("/conversations/{conversationId}", s.Conversation()).Methods("GET")
	r.HandleFunc("/conversations/{conversationId}/typing", s.NotifyTyping()).Methods("POST")

	chain := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", status).
				Dur("duration", duration).
				Msg("Request handled")
		}),
		hlog.RequestIDHandler("requestID", "Request-Id"),
	)
	return chain.Then(r)
}

// Status reports the transport and queue state.
func (s *Server) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := s.q.Count()
		if err != nil {
			s.respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		s.respond(w, http.StatusOK, map[string]interface{}{
			"connected":     s.conn.Connected(),
			"pendingQueue":  pending,
			"conversations": len(s.svc.Conversations()),
		})
	}
}

// QueueMetrics lists queued entries, newest last, up to a limit.
func (s *Server) QueueMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		entries, err := s.q.Pending()
		if err != nil {
			s.respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		shown := entries
		if len(shown) > limit {
			shown = shown[:limit]
		}

		s.respond(w, http.StatusOK, map[string]interface{}{
			"totalPending": len(entries),
			"shownCount":   len(shown),
			"entries":      shown,
		})
	}
}

// RetryMessage re-queues a failed message for delivery.
func (s *Server) RetryMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID := mux.Vars(r)["messageId"]
		if messageID == "" {
			s.respond(w, http.StatusBadRequest, map[string]string{"error": "message id is required"})
			return
		}

		if err := s.svc.RetryMessage(messageID); err != nil {
			status := http.StatusConflict
			if errors.Is(err, chat.ErrUnknownMessage) {
				status = http.StatusNotFound
			}
			s.respond(w, status, map[string]string{"error": err.Error()})
			return
		}

		log.Info().Str("messageID", messageID).Msg("Manual retry triggered")
		s.respond(w, http.StatusOK, map[string]string{"status": "queued", "messageId": messageID})
	}
}

// RetryAllFailed re-queues every failed message.
func (s *Server) RetryAllFailed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		retried, err := s.svc.RetryAllFailed()
		if err != nil {
			s.respond(w, http.StatusInternalServerError, map[string]interface{}{
				"error":   err.Error(),
				"retried": retried,
			})
			return
		}

		log.Info().Int("retried", retried).Msg("Bulk retry triggered")
		s.respond(w, http.StatusOK, map[string]interface{}{"retried": retried})
	}
}

// Conversations returns a snapshot of all conversations.
func (s *Server) Conversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, http.StatusOK, s.svc.Conversations())
	}
}

// Conversation returns a snapshot of a single conversation, including
// the ephemeral typing indicator.
func (s *Server) Conversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["conversationId"]
		conv, ok := s.svc.Conversation(id)
		if !ok {
			s.respond(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
			return
		}
		s.respond(w, http.StatusOK, map[string]interface{}{
			"conversation": conv,
			"typing":       s.svc.Typing(id),
		})
	}
}

// NotifyTyping forwards the operator's typing state to the live
// session. Best effort.
func (s *Server) NotifyTyping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["conversationId"]

		var body struct {
			IsTyping bool `json:"isTyping"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		s.svc.NotifyTyping(id, body.IsTyping)
		s.respond(w, http.StatusOK, map[string]interface{}{
			"conversationId": id,
			"isTyping":       body.IsTyping,
		})
	}
}

func (s *Server) respond(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

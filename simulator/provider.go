package main

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"broadcast-dispatcher/pkg/whatsapp"
)

type provider struct {
	latency     time.Duration
	failureRate float64
	noIDRate    float64
	log         zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func (p *provider) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleMessages)
	return mux
}

func (p *provider) roll() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rnd.Float64()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status, code int, title, msg string) {
	writeJSON(w, status, map[string]any{"error": whatsapp.APIError{
		Message:     msg,
		Type:        "OAuthException",
		Code:        code,
		UserTitle:   title,
		UserMessage: msg,
		FBTraceID:   uuid.NewString(),
	}})
}

// handleMessages serves POST /{version}/{phoneNumberId}/messages.
func (p *provider) handleMessages(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[2] != "messages" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer") || strings.TrimSpace(strings.TrimPrefix(auth, "Bearer")) == "" {
		writeError(w, http.StatusUnauthorized, 190, "Invalid token", "Missing bearer access token")
		return
	}

	var req whatsapp.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Template.Name == "" {
		writeError(w, http.StatusBadRequest, 100, "Invalid parameter", "Request body is not a template message")
		return
	}

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-r.Context().Done():
			return
		}
	}

	l := p.log.With().Str("phone_number_id", parts[1]).Str("to", req.To).Str("template", req.Template.Name).Logger()
	switch roll := p.roll(); {
	case roll < p.failureRate:
		l.Debug().Msg("simulated failure")
		writeError(w, http.StatusBadRequest, 131026, "Message undeliverable", "Unable to deliver message to this number")
	case roll < p.failureRate+p.noIDRate:
		l.Debug().Msg("simulated missing message id")
		writeJSON(w, http.StatusOK, map[string]any{"messaging_product": "whatsapp", "messages": []any{}})
	default:
		id := "wamid." + uuid.NewString()
		l.Debug().Str("message_id", id).Msg("accepted")
		writeJSON(w, http.StatusOK, map[string]any{
			"messaging_product": "whatsapp",
			"contacts":          []map[string]string{{"input": req.To, "wa_id": req.To}},
			"messages":          []map[string]string{{"id": id}},
		})
	}
}

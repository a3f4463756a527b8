// Package api implements the REST control surface for meshchatd.
//
// Routes:
//
//	GET  /api/v1/status              — connection state and radio identity
//	POST /api/v1/connect             — connect over BLE or serial
//	POST /api/v1/disconnect          — tear the connection down
//	GET  /api/v1/contacts            — contact list snapshot
//	GET  /api/v1/channels            — channel slot snapshot
//	POST /api/v1/channels/join       — join a public channel (409 when full)
//	POST /api/v1/channels/overwrite  — commit a join into a chosen slot
//	POST /api/v1/messages            — send a direct or channel message
//	POST /api/v1/advert              — broadcast a flood advert
//	GET  /api/v1/events              — WebSocket live stream
//
// Framework: standard library net/http with gorilla/websocket for the
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
	"github.com/g-d-j-evans/MeschaTUI/internal/radio"
)

// Gateway is the subset of the application service the API needs.
// Declared here so the api package never imports the gateway package.
type Gateway interface {
	ConnectBLE(ctx context.Context, address string) error
	ConnectSerial(ctx context.Context, port string, baud int) error
	Disconnect()
	State() (st, transport, reason string)
	SelfInfo() *driver.SelfInfo
	Contacts() []driver.Contact
	Channels() []driver.ChannelInfo
	SendDirect(ctx context.Context, text, destKey string) error
	SendChannel(ctx context.Context, text string, channelID int) error
	SendAdvert(ctx context.Context) error
	JoinChannel(ctx context.Context, name string) (radio.JoinResult, error)
	OverwriteChannel(ctx context.Context, name string, slot int) error
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	gw          Gateway
	subscribeFn func() (<-chan interface{}, func())
	log         *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
// subFn is called for each new WebSocket client; it must return a channel
// of JSON-serialisable events and an unsubscribe function.
func NewRouter(gw Gateway, subFn func() (<-chan interface{}, func()), log *zap.Logger) http.Handler {
	s := &Server{gw: gw, subscribeFn: subFn, log: log}

	mux := http.NewServeMux()

	// Connection lifecycle
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("POST /api/v1/connect", s.connect)
	mux.HandleFunc("POST /api/v1/disconnect", s.disconnect)

	// Snapshots
	mux.HandleFunc("GET /api/v1/contacts", s.listContacts)
	mux.HandleFunc("GET /api/v1/channels", s.listChannels)

	// Channel workflow
	mux.HandleFunc("POST /api/v1/channels/join", s.joinChannel)
	mux.HandleFunc("POST /api/v1/channels/overwrite", s.overwriteChannel)

	// Outbound
	mux.HandleFunc("POST /api/v1/messages", s.sendMessage)
	mux.HandleFunc("POST /api/v1/advert", s.sendAdvert)

	// WebSocket event stream
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Status / lifecycle ────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, transport, reason := s.gw.State()
	resp := map[string]interface{}{
		"state":     st,
		"transport": transport,
		"time":      time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		resp["failure_reason"] = reason
	}
	if info := s.gw.SelfInfo(); info != nil {
		resp["radio"] = map[string]interface{}{
			"name":     info.Name,
			"pubkey":   info.PublicKey,
			"firmware": info.FirmwareVersion,
			"model":    info.Model,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type connectRequest struct {
	Type    string `json:"type"` // "ble" | "serial"
	Address string `json:"address,omitempty"`
	Port    string `json:"port,omitempty"`
	Baud    int    `json:"baud,omitempty"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Type {
	case "ble":
		if req.Address == "" {
			http.Error(w, "address required for ble", http.StatusBadRequest)
			return
		}
		err = s.gw.ConnectBLE(r.Context(), req.Address)
	case "serial":
		if req.Port == "" {
			http.Error(w, "port required for serial", http.StatusBadRequest)
			return
		}
		baud := req.Baud
		if baud == 0 {
			baud = 115200
		}
		err = s.gw.ConnectSerial(r.Context(), req.Port, baud)
	default:
		http.Error(w, `type must be "ble" or "serial"`, http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, transport, _ := s.gw.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": st, "transport": transport})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.gw.Disconnect()
	st, _, _ := s.gw.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": st})
}

// ── Snapshots ─────────────────────────────────────────────────────────────

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	contacts := s.gw.Contacts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contacts": contacts,
		"count":    len(contacts),
	})
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.gw.Channels()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": channels,
		"count":    len(channels),
	})
}

// ── Channel workflow ──────────────────────────────────────────────────────

type joinRequest struct {
	Name string `json:"name"`
}

func (s *Server) joinChannel(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	res, err := s.gw.JoinChannel(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !res.Joined {
		// Every slot is taken; the client must pick one to overwrite.
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"joined":   false,
			"occupied": res.Occupied,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"joined": true})
}

type overwriteRequest struct {
	Name string `json:"name"`
	Slot int    `json:"slot"`
}

func (s *Server) overwriteChannel(w http.ResponseWriter, r *http.Request) {
	var req overwriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.gw.OverwriteChannel(r.Context(), req.Name, req.Slot); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"joined": true, "slot": req.Slot})
}

// ── Outbound ──────────────────────────────────────────────────────────────

type sendMessageRequest struct {
	Text    string `json:"text"`
	ToKey   string `json:"to_key,omitempty"`
	Channel *int   `json:"channel,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}

	var err error
	switch {
	case req.ToKey != "" && req.Channel != nil:
		http.Error(w, "set either to_key or channel, not both", http.StatusBadRequest)
		return
	case req.ToKey != "":
		err = s.gw.SendDirect(r.Context(), req.Text, req.ToKey)
	case req.Channel != nil:
		err = s.gw.SendChannel(r.Context(), req.Text, *req.Channel)
	default:
		http.Error(w, "to_key or channel required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"status": "sent"})
}

func (s *Server) sendAdvert(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.SendAdvert(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "sent"})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribeFn()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps radio error kinds onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, radio.ErrConnectInFlight) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error()})
		return
	}
	if errors.Is(err, radio.ErrNoRadioSelected) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	code := http.StatusInternalServerError
	switch radio.KindOf(err) {
	case radio.KindNotConnected:
		code = http.StatusServiceUnavailable
	case radio.KindTimeout:
		code = http.StatusGatewayTimeout
	case radio.KindTransport:
		code = http.StatusBadGateway
	case radio.KindUnexpected:
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]interface{}{"error": err.Error()})
}

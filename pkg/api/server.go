// Package api HTTP интерфейс управления RTP сессиями
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sip_receiver/pkg/session"
)

// SessionService операции над сессиями, которые нужны API
type SessionService interface {
	StartCall(ctx context.Context, req session.StartRequest) (*session.CallSession, error)
	StopCall(callID string)
	Get(callID string) (*session.CallSession, bool)
	List() []*session.CallSession
}

// StartResponse ответ на POST /start
type StartResponse struct {
	CallID     string `json:"call_id"`
	RTPIP      string `json:"rtp_ip"`
	RTPPort    int    `json:"rtp_port"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Server обработчики HTTP API
type Server struct {
	sessions SessionService
	gatherer prometheus.Gatherer
	logger   *logrus.Entry
	mux      *http.ServeMux
}

// NewServer создает обработчики. gatherer может быть nil, тогда /metrics не регистрируется.
func NewServer(sessions SessionService, gatherer prometheus.Gatherer, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Server{
		sessions: sessions,
		gatherer: gatherer,
		logger:   logger.WithField("component", "api"),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /start", s.handleStart)
	s.mux.HandleFunc("POST /stop/{call_id}", s.handleStop)
	s.mux.HandleFunc("GET /calls", s.handleCalls)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

// Handler возвращает корневой обработчик с CORS и логированием
func (s *Server) Handler() http.Handler {
	return s.withLogging(withCORS(s.mux))
}

// NewHTTPServer создает http.Server с таймаутами
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "call_id is required")
		return
	}

	sess, err := s.sessions.StartCall(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, session.ErrPortExhausted):
			s.logger.WithField("call_id", req.CallID).Warn("No free RTP ports")
			writeError(w, http.StatusServiceUnavailable, "no free RTP ports")
		case errors.Is(err, session.ErrManagerClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			s.logger.WithError(err).WithField("call_id", req.CallID).Error("Failed to start call")
			writeError(w, http.StatusInternalServerError, "failed to start call")
		}
		return
	}

	writeJSON(w, http.StatusOK, StartResponse{
		CallID:     sess.CallID(),
		RTPIP:      sess.IP(),
		RTPPort:    sess.Port(),
		Codec:      sess.Codec(),
		SampleRate: sess.SampleRate(),
		Channels:   sess.Channels(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if _, ok := s.sessions.Get(callID); !ok {
		writeError(w, http.StatusNotFound, "call_id not found")
		return
	}

	s.sessions.StopCall(callID)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("success"))
}

func (s *Server) handleCalls(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	out := make([]session.SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

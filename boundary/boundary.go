// Package boundary implements the out-of-process policy boundary: a
// JSON/HTTP API the external router/MOTD policy polls for pending
// RouteRequest/MotdRequest work and submits decisions against, plus the
// handful of administrative operations (start/stop listener, rate limits,
// metrics, cache maintenance, shutdown).
package boundary

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mcingress/mcingress/ingress"
	"github.com/mcingress/mcingress/ingress/proxyhdr"
	"github.com/mcingress/mcingress/ingress/ratelimit"
	"github.com/mcingress/mcingress/ingress/registry"
)

// Server exposes the §6 boundary operations over HTTP.
type Server struct {
	engine *ingress.Engine
	router *mux.Router
}

// New builds a Server wired to engine, registering every boundary route.
func New(engine *ingress.Engine) *Server {
	s := &Server{engine: engine, router: mux.NewRouter()}
	s.routes()
	return s
}

// Serve starts the HTTP listener for the boundary API. It runs in the
// calling goroutine; callers that want it backgrounded should call it in a
// goroutine themselves, the way the teacher's own admin server does.
func (s *Server) Serve(bindAddr string) error {
	logrus.WithField("binding", bindAddr).Info("serving policy boundary API")
	return http.ListenAndServe(bindAddr, s.router)
}

func (s *Server) routes() {
	s.router.HandleFunc("/listeners", s.startListener).Methods(http.MethodPost)
	s.router.HandleFunc("/listeners/{id}", s.stopListener).Methods(http.MethodDelete)
	s.router.HandleFunc("/options", s.setOptions).Methods(http.MethodPut)
	s.router.HandleFunc("/connections/{id}/rate-limit", s.setRateLimit).Methods(http.MethodPut)
	s.router.HandleFunc("/connections/{id}/disconnect", s.disconnect).Methods(http.MethodPost)
	s.router.HandleFunc("/kick-all", s.kickAll).Methods(http.MethodPost)
	s.router.HandleFunc("/metrics", s.getMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/connections/{id}/metrics", s.getConnectionMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.pollEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/route-requests", s.pollRouteRequests).Methods(http.MethodGet)
	s.router.HandleFunc("/motd-requests", s.pollMotdRequests).Methods(http.MethodGet)
	s.router.HandleFunc("/route-decisions/{connId}", s.submitRouteDecision).Methods(http.MethodPost)
	s.router.HandleFunc("/motd-decisions/{connId}", s.submitMotdDecision).Methods(http.MethodPost)
	s.router.HandleFunc("/cache/cleanup", s.cleanupCache).Methods(http.MethodPost)
	s.router.HandleFunc("/cache/stats", s.getCacheStats).Methods(http.MethodGet)
	s.router.HandleFunc("/shutdown", s.shutdown).Methods(http.MethodPost)
	s.router.Handle("/varz", promhttp.Handler()).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)[name], 10, 64)
}

type startListenerRequest struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	ProxyMode string `json:"proxyMode"`
}

func parseProxyMode(s string) proxyhdr.Mode {
	switch s {
	case "optional":
		return proxyhdr.ModeOptional
	case "strict":
		return proxyhdr.ModeStrict
	default:
		return proxyhdr.ModeNone
	}
}

func (s *Server) startListener(w http.ResponseWriter, r *http.Request) {
	var req startListenerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.engine.StartListener(ingress.ListenerConfig{
		Host:      req.Host,
		Port:      req.Port,
		ProxyMode: parseProxyMode(req.ProxyMode),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]uint64{"listenerId": id})
}

func (s *Server) stopListener(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listener id")
		return
	}
	if err := s.engine.StopListener(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setOptions(w http.ResponseWriter, r *http.Request) {
	var opts ingress.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SetOptions(opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rateLimitRequest struct {
	SendRate  float64 `json:"sendRate"`
	SendBurst int64   `json:"sendBurst"`
	RecvRate  float64 `json:"recvRate"`
	RecvBurst int64   `json:"recvBurst"`
}

func (s *Server) setRateLimit(w http.ResponseWriter, r *http.Request) {
	connID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	var req rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok := s.engine.SetRateLimit(connID,
		ratelimit.Limits{Rate: req.SendRate, Burst: req.SendBurst},
		ratelimit.Limits{Rate: req.RecvRate, Burst: req.RecvBurst})
	if !ok {
		writeError(w, http.StatusNotFound, "no such connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	connID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if !s.engine.Disconnect(connID, body.Reason) {
		writeError(w, http.StatusNotFound, "no such connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) kickAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	n := s.engine.KickAll(body.Reason)
	writeJSON(w, http.StatusOK, map[string]int{"disconnected": n})
}

// connByteCounts is the per-connection breakdown of the bytes_sent/bytes_recv
// pair get-metrics reports alongside the process-wide totals, keyed by
// connection id per §6.
type connByteCounts struct {
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_recv"`
}

type metricsResponse struct {
	TotalConnections  uint64                    `json:"total_conn"`
	ActiveConnections int64                     `json:"active_conn"`
	BytesSent         uint64                    `json:"total_bytes_sent"`
	BytesReceived     uint64                    `json:"total_bytes_recv"`
	Connections       map[string]connByteCounts `json:"connections"`
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	counters := s.engine.Registry.Counters()
	conns := s.engine.Registry.Connections()

	byConn := make(map[string]connByteCounts, len(conns))
	for _, c := range conns {
		byConn[strconv.FormatUint(c.ID, 10)] = connByteCounts{
			BytesSent:     atomic.LoadUint64(&c.Metrics.BytesSent),
			BytesReceived: atomic.LoadUint64(&c.Metrics.BytesReceived),
		}
	}

	writeJSON(w, http.StatusOK, metricsResponse{
		TotalConnections:  counters.TotalConnections,
		ActiveConnections: counters.ActiveConnections,
		BytesSent:         counters.BytesSent,
		BytesReceived:     counters.BytesReceived,
		Connections:       byConn,
	})
}

func (s *Server) getConnectionMetrics(w http.ResponseWriter, r *http.Request) {
	connID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	conn, ok := s.engine.Registry.Connection(connID)
	if !ok {
		writeError(w, http.StatusNotFound, "no such connection")
		return
	}
	writeJSON(w, http.StatusOK, conn.Metrics)
}

func (s *Server) pollEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry.PollEvents(0))
}

func (s *Server) pollRouteRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry.PollRouteRequests(0))
}

func (s *Server) pollMotdRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry.PollMotdRequests(0))
}

func (s *Server) submitRouteDecision(w http.ResponseWriter, r *http.Request) {
	connID, err := pathID(r, "connId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	var decision registry.RouteDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.engine.Registry.SubmitRouteDecision(connID, decision) {
		writeError(w, http.StatusNotFound, "no pending route request for that connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) submitMotdDecision(w http.ResponseWriter, r *http.Request) {
	connID, err := pathID(r, "connId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	var decision registry.MotdDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.engine.Registry.SubmitMotdDecision(connID, decision) {
		writeError(w, http.StatusNotFound, "no pending motd request for that connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cleanupCache(w http.ResponseWriter, r *http.Request) {
	removed := s.engine.Cache.Cleanup()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) getCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Cache.Stats())
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	go s.engine.Shutdown()
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/gputop-procs/internal/api"
	"github.com/skobkin/gputop-procs/internal/config"
	"github.com/skobkin/gputop-procs/internal/gpu"
	"github.com/skobkin/gputop-procs/internal/host"
	"github.com/skobkin/gputop-procs/internal/monitor"
	"github.com/skobkin/gputop-procs/internal/process"
	"github.com/skobkin/gputop-procs/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	gpus       []gpu.Info
	gpuIndex   map[string]gpu.Info
	monitor    *monitor.Manager

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. A nil monitor serves the GPU
// list only.
func New(cfg config.Config, logger *slog.Logger, gpus []gpu.Info, procMonitor *monitor.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		gpus:     gpus,
		gpuIndex: make(map[string]gpu.Info, len(gpus)),
		monitor:  procMonitor,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	for _, info := range gpus {
		s.gpuIndex[info.ID] = info
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/gpus", s.handleAPIGPUs)
	mux.HandleFunc("/api/gpus/", s.handleAPIGPUSubresource)
	mux.HandleFunc("/api/procs/", s.handleAPIProcess)
	mux.HandleFunc("/api/stats", s.handleAPIStats)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIGPUs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.gpus)
}

func (s *Server) handleAPIGPUSubresource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	const prefix = "/api/gpus/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(rest, "/")
	if len(segments) != 2 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	gpuID := segments[0]
	if _, ok := s.gpuIndex[gpuID]; !ok {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "procs":
		s.serveGPUProcs(w, r, gpuID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveGPUProcs(w http.ResponseWriter, r *http.Request, gpuID string) {
	if s.monitor == nil {
		http.Error(w, "process monitor unavailable", http.StatusServiceUnavailable)
		return
	}

	snapshot, ok := s.monitor.Latest(gpuID)
	if !ok {
		http.Error(w, "no process data available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snapshot)
}

// handleAPIProcess serves the host snapshot of any pid, GPU user or not.
func (s *Server) handleAPIProcess(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.monitor == nil {
		http.Error(w, "process monitor unavailable", http.StatusServiceUnavailable)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/procs/")
	pid, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || pid <= 0 {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}

	logger := s.loggerFromContext(r.Context())
	// The next monitor scan drops this handle unless a device lists the pid.
	handle, err := s.monitor.Registry().HostProcess(int32(pid))
	switch {
	case errors.Is(err, host.ErrNoSuchProcess):
		http.NotFound(w, r)
		return
	case errors.Is(err, process.ErrInvalidIdentity):
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	case err != nil:
		logger.Error("failed to open process", "pid", pid, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	snapshot, err := handle.AsSnapshot()
	if err != nil {
		logger.Error("failed to snapshot process", "pid", pid, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if snapshot == nil {
		// Vanished between open and snapshot.
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snapshot)
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.monitor == nil {
		http.Error(w, "process monitor unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.monitor.Registry().Stats())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowGet(w, r) {
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)
	defer closeWebsocket(logger, conn)

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)

	hello := api.NewHelloMessage(
		int(s.cfg.Proc.ScanInterval/time.Millisecond),
		s.gpus,
		map[string]bool{"procs": s.monitor != nil},
	)

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	var (
		procCh      <-chan monitor.Snapshot
		unsubscribe func()
		currentGPU  string
	)

	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		outbound.close()
		cancel()
		<-writerDone
	}()

	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	defaultGPU := s.defaultGPU()

	switchSubscription := func(target string) error {
		if target == "" {
			return fmt.Errorf("empty gpu id")
		}
		if _, ok := s.gpuIndex[target]; !ok {
			return fmt.Errorf("unknown gpu %q", target)
		}
		if s.monitor == nil {
			return fmt.Errorf("process monitor unavailable")
		}
		if target == currentGPU {
			return nil
		}
		if unsubscribe != nil {
			unsubscribe()
			unsubscribe = nil
			procCh = nil
		}
		ch, cancelSub, err := s.monitor.Subscribe(target)
		if err != nil {
			return err
		}
		procCh = ch
		unsubscribe = cancelSub
		currentGPU = target
		logger.Info("ws subscribed", "gpu_id", target)
		return nil
	}

	if defaultGPU != "" {
		if err := switchSubscription(defaultGPU); err != nil {
			logger.Warn("failed to subscribe default gpu", "gpu_id", defaultGPU, "err", err)
			_ = s.enqueueError(outbound, fmt.Sprintf("failed to subscribe default gpu: %v", err), logger)
		}
	} else if len(s.gpus) == 0 {
		_ = s.enqueueError(outbound, "no GPUs detected", logger)
	}

	for {
		select {
		case snapshot, ok := <-procCh:
			if !ok {
				procCh = nil
				currentGPU = ""
				continue
			}
			if !s.enqueueMessage(outbound, api.NewProcsMessage(snapshot), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(outbound, data, switchSubscription, defaultGPU, logger); err != nil {
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) defaultGPU() string {
	if s.cfg.DefaultGPU != "" && s.cfg.DefaultGPU != "auto" {
		if _, ok := s.gpuIndex[s.cfg.DefaultGPU]; ok {
			return s.cfg.DefaultGPU
		}
		s.logger.Warn("configured default gpu not found", "gpu_id", s.cfg.DefaultGPU)
	}
	if len(s.gpus) > 0 {
		return s.gpus[0].ID
	}
	return ""
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(outbound *wsOutbound, data []byte, switchSubscription func(string) error, defaultGPU string, logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case "subscribe":
		var msg api.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !s.enqueueError(outbound, "invalid subscribe payload", logger) {
				return fmt.Errorf("failed to enqueue subscribe error")
			}
			return nil
		}
		target := msg.GPUId
		if target == "" {
			target = defaultGPU
		}
		if target == "" {
			if !s.enqueueError(outbound, "no gpu_id provided and no default available", logger) {
				return fmt.Errorf("failed to enqueue gpu missing error")
			}
			return nil
		}
		if err := switchSubscription(target); err != nil {
			if !s.enqueueError(outbound, err.Error(), logger) {
				return fmt.Errorf("failed to enqueue subscription error")
			}
			return nil
		}
	case "ping":
		if !s.enqueueMessage(outbound, api.PongMessage{Type: "pong"}, logger) {
			return fmt.Errorf("failed to enqueue pong response")
		}
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	if s.cfg.WS.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(outbound *wsOutbound, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(outbound, api.NewErrorMessage(msg), logger)
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		GPUs: len(s.gpus),
	}

	if len(s.gpus) == 0 {
		resp.Status = "ok"
		return resp
	}

	if s.monitor == nil {
		resp.Status = "degraded"
		resp.Reason = "monitor_not_configured"
		return resp
	}

	if s.monitor.Ready() {
		resp.Status = "ok"
		return resp
	}

	resp.Status = "initializing"
	resp.Reason = "waiting_for_scan"
	return resp
}

type readyResponse struct {
	Status string `json:"status"`
	GPUs   int    `json:"gpus"`
	Reason string `json:"reason,omitempty"`
}

type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

// enqueue never blocks; a full queue drops its oldest message.
func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	select {
	case <-o.ch:
		o.countDrop()
	default:
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}

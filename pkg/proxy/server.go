package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/airelay/pkg/config"
	"github.com/lkarlslund/airelay/pkg/exchangelog"
	"github.com/lkarlslund/airelay/pkg/logutil"
	"github.com/lkarlslund/airelay/pkg/metrics"
	"github.com/lkarlslund/airelay/pkg/policy"
	"github.com/lkarlslund/airelay/pkg/upstream"
	"golang.org/x/crypto/acme/autocert"
)

const (
	maxRequestBody    = 8 << 20
	shutdownTimeout   = 10 * time.Second
	exchangeLogGrace  = 5 * time.Second
	drainPollInterval = 100 * time.Millisecond
)

// Deps are the long-lived collaborators shared by every request.
type Deps struct {
	Upstream  *upstream.Client
	Policy    *policy.Policy
	Exchanges *exchangelog.Logger
	Metrics   *metrics.Collector
}

type Server struct {
	cfg          config.Config
	upstream     *upstream.Client
	policy       *policy.Policy
	exchanges    *exchangelog.Logger
	metrics      *metrics.Collector
	handler      http.Handler
	httpServer   *http.Server
	activeRelays atomic.Int64
	draining     atomic.Bool
}

func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Upstream == nil {
		return nil, errors.New("upstream client is required")
	}
	if deps.Policy == nil {
		deps.Policy = policy.New(cfg.Models.Allowed, cfg.Models.Default)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Exchanges == nil {
		deps.Exchanges = exchangelog.New(nil, deps.Metrics)
	}
	s := &Server{
		cfg:       cfg,
		upstream:  deps.Upstream,
		policy:    deps.Policy,
		exchanges: deps.Exchanges,
		metrics:   deps.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustForwardedFor {
		r.Use(middleware.RealIP)
	}
	r.Use(s.relayLifecycleMiddleware)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logutil.StandardLogger(log.InfoLevel),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Post("/chat/completions", s.handleCompletions)
	r.Post("/v1/chat/completions", s.handleCompletions)

	r.Get("/", s.handleIndex)
	r.Get("/model", s.handleModel)
	r.Get("/echo", handleHey)
	r.Get("/hey", handleHey)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/usage/ws", s.handleUsageWebsocket)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, msgNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	})
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          logutil.StandardLogger(log.WarnLevel),
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains in-flight relays, stops the
// listeners and waits a bounded time for pending exchange log writes.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	var servers []*http.Server

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}
		httpsSrv := s.httpServer
		httpsSrv.Addr = ":443"
		httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}
		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, httpChallenge, httpsSrv)

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", ":443", "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	} else {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
		}
		servers = append(servers, s.httpServer)
		go func() {
			log.Info("relay listening", "addr", ln.Addr().String(), "upstream", s.upstream.URL())
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("relay server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.shutdown(servers)
		return err
	}
	s.shutdown(servers)
	return firstErr(errCh)
}

func (s *Server) shutdown(servers []*http.Server) {
	s.draining.Store(true)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
	s.waitForRelayIdle(drainCtx)
	cancelDrain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}

	logCtx, cancelLog := context.WithTimeout(context.Background(), exchangeLogGrace)
	defer cancelLog()
	if err := s.exchanges.Close(logCtx); err != nil {
		log.Warn("shutdown: exchange log close", "err", err)
	}
	log.Info("shutdown complete", "total_tokens", s.metrics.TotalTokens())
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func isRelayPath(path string) bool {
	return path == "/chat/completions" || path == "/v1/chat/completions"
}

func (s *Server) relayLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay := isRelayPath(r.URL.Path)
		if relay && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, msgShuttingDown)
			return
		}
		if relay {
			s.activeRelays.Add(1)
			defer s.activeRelays.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForRelayIdle(ctx context.Context) {
	t := time.NewTicker(drainPollInterval)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRelays.Load()
		if active <= 0 {
			log.Info("shutdown: relay idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active relays", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: giving up on active relays", "active", active)
			return
		case <-t.C:
		}
	}
}

func requestClientIP(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if parsed, _, err := net.SplitHostPort(host); err == nil {
		return strings.TrimSpace(parsed)
	}
	return host
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// Package gateway implements the local HTTP listener that proxies the
// message API of the active upstream provider. It authenticates inbound
// calls, rewrites headers without breaking client identity, and relays both
// buffered and streamed responses.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/relaydesk/relaydesk/internal/buildinfo"
	"github.com/relaydesk/relaydesk/internal/config"
	apperrors "github.com/relaydesk/relaydesk/internal/errors"
	"github.com/relaydesk/relaydesk/internal/events"
	"github.com/relaydesk/relaydesk/internal/logging"
)

// upstreamTimeout bounds non-streaming upstream calls. Streaming calls hold
// the connection open for the stream's lifetime and carry no deadline.
const upstreamTimeout = 2 * time.Minute

// Server is the managed-mode gateway listener.
type Server struct {
	bus    *events.Bus
	engine *gin.Engine
	client *http.Client

	port     int
	token    string
	netProxy *config.NetworkProxy

	// provider is swapped by a single pointer assignment; requests already
	// dispatched keep the provider captured at dispatch time.
	provider atomic.Pointer[config.Provider]

	mu        sync.Mutex
	srv       *http.Server
	running   atomic.Bool
	startedAt time.Time
}

// New builds a gateway from a config snapshot. The listener is not bound
// until Start is called.
func New(cfg *config.Config, bus *events.Bus) *Server {
	s := &Server{
		bus:      bus,
		port:     cfg.Port,
		token:    cfg.AccessToken,
		netProxy: cfg.NetworkProxy,
	}
	if p := cfg.ActiveProvider(); p != nil {
		cloned := *p
		s.provider.Store(&cloned)
	}
	s.client = &http.Client{Transport: s.transport()}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(MetricsMiddleware())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", MetricsHandler())

	authed := engine.Group("/", s.authMiddleware())
	authed.POST("/v1/messages", s.handleProxy)
	authed.POST("/v1/messages/count_tokens", s.handleProxy)

	s.engine = engine
	return s
}

// transport builds the outbound transport, honoring the optional network
// proxy from the config.
func (s *Server) transport() *http.Transport {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0, // streams may take arbitrarily long to open
		ForceAttemptHTTP2:     true,
	}
	if s.netProxy != nil && s.netProxy.Enabled && s.netProxy.Host != "" {
		proxyURL := &url.URL{Scheme: "http", Host: net.JoinHostPort(s.netProxy.Host, strconv.Itoa(s.netProxy.Port))}
		t.Proxy = http.ProxyURL(proxyURL)
		log.Debugf("gateway: outbound traffic via proxy %s", proxyURL)
	}
	return t
}

// Start binds the listener. It fails when the gateway is already running or
// the port is taken.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return apperrors.New(http.StatusConflict, apperrors.CodeAlreadyRunning, "gateway already running", nil)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return apperrors.New(http.StatusConflict, apperrors.CodePortInUse,
			fmt.Sprintf("cannot bind %s", addr), err)
	}

	s.srv = &http.Server{Handler: s.engine}
	s.startedAt = time.Now()
	s.running.Store(true)

	go func(srv *http.Server) {
		if errServe := srv.Serve(ln); errServe != nil && errServe != http.ErrServerClosed {
			log.Errorf("gateway: serve error: %v", errServe)
			s.bus.Error("gateway listener terminated unexpectedly", map[string]any{"error": errServe.Error()})
			s.running.Store(false)
		}
	}(s.srv)

	s.bus.Info("gateway started", map[string]any{"addr": addr})
	return nil
}

// Stop shuts the listener down, draining in-flight connections. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return nil
	}
	srv := s.srv
	s.srv = nil
	s.running.Store(false)
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	s.bus.Info("gateway stopped", nil)
	return nil
}

// Running reports whether the listener is bound.
func (s *Server) Running() bool { return s.running.Load() }

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// StartedAt returns the last successful bind time.
func (s *Server) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// SetProvider swaps the active upstream provider.
func (s *Server) SetProvider(p *config.Provider) {
	if p == nil {
		s.provider.Store(nil)
		return
	}
	cloned := *p
	s.provider.Store(&cloned)
}

// Provider returns the provider new requests will be forwarded to.
func (s *Server) Provider() *config.Provider { return s.provider.Load() }

// Engine exposes the gin engine for tests.
func (s *Server) Engine() http.Handler { return s.engine }

// handleHealth serves the unauthenticated liveness route.
func (s *Server) handleHealth(c *gin.Context) {
	providerName := ""
	if p := s.provider.Load(); p != nil {
		providerName = p.Name
	}
	proxy := gin.H{"enabled": false, "host": "", "port": 0}
	if s.netProxy != nil {
		proxy = gin.H{"enabled": s.netProxy.Enabled, "host": s.netProxy.Host, "port": s.netProxy.Port}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         buildinfo.Version,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"currentProvider": providerName,
		"networkProxy":    proxy,
	})
}

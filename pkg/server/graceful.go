// Package server runs a tier's admin HTTP listener and shuts it down
// gracefully when the tier stops.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

// DefaultShutdownTimeout bounds connection draining on shutdown
const DefaultShutdownTimeout = 10 * time.Second

// ReloadFunc re-reads configuration on SIGHUP
type ReloadFunc func() error

// GracefulServer wraps an HTTP server with graceful shutdown and SIGHUP
// reloads
type GracefulServer struct {
	server       *http.Server
	logger       logging.Logger
	ready        chan struct{}
	addr         net.Addr
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	reloadFn     ReloadFunc
	reloadMu     sync.RWMutex
	tlsConfig    *tls.Config
}

// NewGracefulServer creates a server for handler on addr. ":0" picks a
// free port; Addr reports it once the listener is up.
func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger:     logging.OrNop(logger).With(logging.Component("admin")),
		ready:      make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Run serves until ctx is done, then drains connections. SIGHUP calls
// the reload function while the server runs.
func (gs *GracefulServer) Run(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	gs.addr = ln.Addr()
	if gs.tlsConfig != nil {
		ln = tls.NewListener(ln, gs.tlsConfig)
	}
	close(gs.ready)
	gs.logger.Info("admin listener started",
		logging.String("addr", gs.addr.String()),
		logging.String("tls", strconv.FormatBool(gs.tlsConfig != nil)))

	errCh := make(chan error, 1)
	go func() { errCh <- gs.server.Serve(ln) }()

	for {
		select {
		case <-ctx.Done():
			return gs.Shutdown(DefaultShutdownTimeout)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-hup:
			gs.logger.Info("SIGHUP received, reloading configuration")
			_ = gs.Reload()
		}
	}
}

// SetTLSConfig serves HTTPS with cfg. It must be called before Run.
func (gs *GracefulServer) SetTLSConfig(cfg *tls.Config) {
	gs.tlsConfig = cfg
}

// Ready is closed once the listener is bound
func (gs *GracefulServer) Ready() <-chan struct{} {
	return gs.ready
}

// Addr returns the bound address; nil before Ready
func (gs *GracefulServer) Addr() net.Addr {
	select {
	case <-gs.ready:
		return gs.addr
	default:
		return nil
	}
}

// Shutdown initiates a graceful shutdown
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if shutdownErr := gs.server.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
			gs.logger.Error("admin shutdown failed", logging.Error(shutdownErr))
		} else {
			gs.logger.Info("admin listener stopped")
		}
	})
	return err
}

// IsShuttingDown returns true if shutdown has been initiated
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// SetReloadFunc sets the function SIGHUP triggers
func (gs *GracefulServer) SetReloadFunc(fn ReloadFunc) {
	gs.reloadMu.Lock()
	defer gs.reloadMu.Unlock()
	gs.reloadFn = fn
}

// Reload runs the reload function, if any
func (gs *GracefulServer) Reload() error {
	gs.reloadMu.RLock()
	fn := gs.reloadFn
	gs.reloadMu.RUnlock()

	if fn == nil {
		gs.logger.Debug("reload requested, but no reload function configured")
		return nil
	}
	if err := fn(); err != nil {
		gs.logger.Warn("configuration reload failed", logging.Error(err))
		return err
	}
	gs.logger.Info("configuration reloaded")
	return nil
}

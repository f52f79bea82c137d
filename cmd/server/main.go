package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/example/bridge-crew/internal/antenna"
	"github.com/example/bridge-crew/internal/auth"
	"github.com/example/bridge-crew/internal/backend"
	"github.com/example/bridge-crew/internal/config"
	"github.com/example/bridge-crew/internal/logging"
	"github.com/example/bridge-crew/internal/mirror"
	"github.com/example/bridge-crew/internal/observability"
	srv "github.com/example/bridge-crew/internal/server"
	"github.com/example/bridge-crew/internal/station"
	"github.com/example/bridge-crew/internal/vessel"
)

func main() {
	// Load environment variables from .env file if it exists
	_ = godotenv.Load()

	var (
		configFile = flag.String("config", "", "Path to YAML config file")
		httpPort   = flag.String("http-port", "", "HTTP port (overrides config)")
		httpsPort  = flag.String("https-port", "", "HTTPS port (overrides config)")
		certFile   = flag.String("cert", "", "Path to certificate file")
		keyFile    = flag.String("key", "", "Path to private key file")
		tlsOnly    = flag.Bool("tls-only", false, "Only serve HTTPS")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.New(logging.Config{}).Error(context.Background(), "config load failed", logging.Err(err))
		os.Exit(1)
	}
	if *httpPort != "" {
		cfg.HTTPPort = *httpPort
	}
	if *httpsPort != "" {
		cfg.HTTPSPort = *httpsPort
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := run(cfg, log, *certFile, *keyFile, *tlsOnly); err != nil {
		log.Error(context.Background(), "server stopped", logging.Err(err))
		os.Exit(1)
	}
}

// errTerminated marks a shutdown requested by the backend liveness check.
var errTerminated = errors.New("session terminated by backend")

func run(cfg *config.Config, log logging.Logger, certFile, keyFile string, tlsOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "bridge-crew",
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	metrics, err := observability.NewCollector(nil)
	if err != nil {
		return err
	}

	client, err := backendClient(cfg)
	if err != nil {
		return err
	}
	poller := backend.NewPoller(client, backend.Options{
		TeamID:   cfg.Backend.TeamID,
		Interval: cfg.Poll.Interval,
		Metrics:  metrics,
		Terminate: func(reason string) {
			log.Error(ctx, "backend reports team inactive; terminating", logging.String("reason", reason))
			cancel(errTerminated)
		},
	}, log)

	layout := station.DefaultLayout()
	if cfg.Layout.File != "" {
		if layout, err = station.LoadLayout(cfg.Layout.File); err != nil {
			return err
		}
	}
	ship, err := vessel.New(vessel.Options{
		Layout: layout,
		Timing: station.Timing{Enter: cfg.Timing.Enter, Exit: cfg.Timing.Exit},
		Antenna: antenna.Timing{
			Buffer:  cfg.Timing.AntennaBuffer,
			Timeout: cfg.Timing.AntennaTimeout,
		},
	}, poller, log)
	if err != nil {
		return err
	}
	defer ship.Close()
	ship.Power.OnRemainingChanged(metrics.SetPowerRemaining)

	var mirrored *mirror.Mirror
	if cfg.Redis.Addr != "" {
		pub, err := mirror.DialRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer pub.Close()
		mirrored = mirror.New(pub, cfg.Redis.Channel, log)
		go mirrored.Run(ctx)
		log.Info(ctx, "mirroring crew events to redis", logging.String("addr", cfg.Redis.Addr),
			logging.String("channel", cfg.Redis.Channel))
	}

	verifier, err := auth.NewVerifier(auth.Config{
		JWKSURL:  cfg.Auth.JWKSURL,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Secret:   cfg.Auth.Secret,
		DevMode:  cfg.Auth.DevMode,
	})
	if err != nil {
		return err
	}

	crew := srv.NewCrewServer(ship, srv.Options{
		Verifier: verifier,
		Metrics:  metrics,
		Mirror:   mirrored,
	}, log)
	defer crew.Close()

	go poller.Run(ctx)

	r := mux.NewRouter()

	// Add CORS headers first (but allow health checks to bypass any issues)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	addHealth(r, log)
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// WebSocket endpoint (auth via query parameter or header)
	r.HandleFunc("/ws", crew.HandleWS)

	// Debug REST endpoints (protected)
	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(verifier.Middleware)
	protected.HandleFunc("/stations", crew.HandleStations).Methods("GET")
	protected.HandleFunc("/power", crew.HandlePower).Methods("GET")
	protected.HandleFunc("/snapshot", crew.HandleSnapshot).Methods("GET")
	protected.HandleFunc("/profile", crew.HandleGetProfile).Methods("GET")

	servers, err := listeners(cfg, r, log, certFile, keyFile, tlsOnly)
	if err != nil {
		return err
	}
	errc := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *server) { errc <- s.serve() }(s)
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	for _, s := range servers {
		s.Shutdown(shutdownCtx)
	}
	if errors.Is(context.Cause(ctx), errTerminated) {
		return errTerminated
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info(context.Background(), "bridge crew server stopped")
	return nil
}

func backendClient(cfg *config.Config) (backend.Client, error) {
	if cfg.Backend.Fixture != "" {
		return backend.LoadStaticClient(cfg.Backend.Fixture)
	}
	return backend.NewHTTPClient(cfg.Backend.URL, backend.StaticToken(cfg.Backend.Token), cfg.Backend.Timeout)
}

func addHealth(r *mux.Router, log logging.Logger) {
	// Health check endpoint (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Debug(r.Context(), "health check", logging.String("remote", r.RemoteAddr))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Simple ping endpoint for basic connectivity
	r.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}).Methods("GET")
}

// server pairs an http.Server with the way it is started.
type server struct {
	*http.Server
	serve func() error
}

// listeners decides between HTTPS with an HTTP redirect, HTTPS only, or
// plain HTTP when no certificate is available.
func listeners(cfg *config.Config, r *mux.Router, log logging.Logger, certFile, keyFile string, tlsOnly bool) ([]*server, error) {
	ctx := context.Background()

	// Determine certificate paths
	certPath, keyPath := certFile, keyFile
	if certPath == "" || keyPath == "" {
		// Default to generated certificates relative to working directory
		certPath = "certs/server-san.crt"
		keyPath = "certs/server-san.key"
	}

	httpAddr := ":" + cfg.HTTPPort
	for _, path := range []string{certPath, keyPath} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if tlsOnly {
				return nil, errors.New("TLS-only mode enabled but " + path + " not found")
			}
			log.Warn(ctx, "TLS material not found; falling back to HTTP only",
				logging.String("missing", path), logging.String("addr", httpAddr))
			plain := &http.Server{Addr: httpAddr, Handler: r}
			return []*server{{Server: plain, serve: plain.ListenAndServe}}, nil
		}
	}

	// Configure TLS
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	httpsAddr := ":" + cfg.HTTPSPort
	secure := &http.Server{Addr: httpsAddr, Handler: r, TLSConfig: tlsConfig}
	servers := []*server{{
		Server: secure,
		serve:  func() error { return secure.ListenAndServeTLS(certPath, keyPath) },
	}}
	log.Info(ctx, "bridge crew server (HTTPS) listening", logging.String("addr", httpsAddr))
	if tlsOnly {
		return servers, nil
	}

	// Create a separate router for HTTP that handles health checks
	httpRouter := mux.NewRouter()
	addHealth(httpRouter, log)

	// All other HTTP requests redirect to HTTPS
	httpsPort := cfg.HTTPSPort
	httpRouter.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpsURL := "https://" + r.Host
		if httpsPort != "443" {
			httpsURL += ":" + httpsPort
		}
		httpsURL += r.RequestURI

		http.Redirect(w, r, httpsURL, http.StatusMovedPermanently)
	})
	redirect := &http.Server{Addr: httpAddr, Handler: httpRouter}
	log.Info(ctx, "bridge crew server (HTTP->HTTPS redirect) listening", logging.String("addr", httpAddr))
	return append(servers, &server{Server: redirect, serve: redirect.ListenAndServe}), nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomertec/sshmanager-sub001/internal/auth"
	"github.com/tomertec/sshmanager-sub001/internal/backoff"
	"github.com/tomertec/sshmanager-sub001/internal/config"
	"github.com/tomertec/sshmanager-sub001/internal/crypto"
	"github.com/tomertec/sshmanager-sub001/internal/database"
	"github.com/tomertec/sshmanager-sub001/internal/handlers"
	"github.com/tomertec/sshmanager-sub001/internal/logging"
	"github.com/tomertec/sshmanager-sub001/internal/metrics"
	"github.com/tomertec/sshmanager-sub001/internal/netwatch"
	"github.com/tomertec/sshmanager-sub001/internal/pool"
	"github.com/tomertec/sshmanager-sub001/internal/profiles"
	"github.com/tomertec/sshmanager-sub001/internal/session"
	"github.com/tomertec/sshmanager-sub001/internal/sshkeys"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "--encrypt-password" {
		runEncryptPassword()
		return
	}

	config.Load()
	logging.Init(config.Cfg.LogFile())
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	ps := database.LoadPoolSettings()
	connPool := pool.New(pool.Config{Enabled: ps.Enabled, MaxPerKey: ps.MaxPerKey, IdleTimeout: ps.IdleTimeout})
	if err := connPool.StartCleanup(config.Cfg.PoolCleanupInterval); err != nil {
		log.Fatalf("Pool cleanup: %v", err)
	}
	prometheus.MustRegister(metrics.NewPoolCollector(func() metrics.PoolStats {
		return metrics.PoolStats(connPool.Stats())
	}))
	handlers.Pool = connPool
	log.Printf("Connection pool initialized (enabled=%v, max_per_key=%d, idle_timeout=%s)",
		ps.Enabled, ps.MaxPerKey, ps.IdleTimeout)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var monitor *netwatch.Monitor
	if config.Cfg.NetworkProbeAddr != "" {
		monitor = &netwatch.Monitor{
			Probe:    netwatch.TCPProbe(config.Cfg.NetworkProbeAddr, 5*time.Second),
			Interval: config.Cfg.NetworkProbeInterval,
		}
		handlers.Network = monitor
		log.Printf("Network monitor probing %s every %s", config.Cfg.NetworkProbeAddr, config.Cfg.NetworkProbeInterval)
	}

	sessions := session.NewRegistry()
	handlers.Sessions = sessions
	if err := startSessions(sigCtx, sessions, connPool, monitor); err != nil {
		log.Fatalf("Profiles: %v", err)
	}
	if monitor != nil {
		go monitor.Run(sigCtx, func(available bool) {
			log.Printf("[netwatch] network available=%v", available)
		})
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Pool
		r.Get("/pool/stats", handlers.GetPoolStats)
		r.Put("/pool/config", handlers.UpdatePoolConfig)
		r.Post("/pool/drain", handlers.DrainPool)

		// Sessions
		r.Get("/sessions", handlers.ListSessions)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Delete("/sessions/{id}", handlers.DeleteSession)
		r.Post("/sessions/{id}/reconnect", handlers.ReconnectSession)
		r.Post("/sessions/{id}/reset", handlers.ResetSession)
		r.Get("/sessions/{id}/events", handlers.SessionEvents)

		// Known hosts
		r.Get("/known-hosts", handlers.ListKnownHosts)
		r.Delete("/known-hosts", handlers.DeleteKnownHost)

		// Logs
		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	sessions.CloseAll()
	connPool.Stop()
	log.Printf("Drained %d pooled connections", connPool.Drain())
	log.Println("Server stopped")
}

// startSessions creates a controller per configured profile and connects
// the ones marked auto_connect. A failed initial connect is only logged; it
// can be retried through the API.
func startSessions(ctx context.Context, sessions *session.Registry, p *pool.Pool, monitor *netwatch.Monitor) error {
	profs, err := profiles.Load(config.Cfg.ProfilesPath)
	if err != nil {
		return err
	}

	deps := session.Deps{
		Pool:              p,
		Auth:              auth.NewProvider(),
		Verifier:          sshkeys.NewKnownHosts().Verify,
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
		RetryAttempts:     config.Cfg.RetryMaxAttempts,
		Backoff: backoff.Config{
			BaseDelay:    config.Cfg.BackoffBase,
			MaxDelay:     config.Cfg.BackoffMax,
			JitterFactor: config.Cfg.BackoffJitter,
			Exponential:  config.Cfg.BackoffExponential,
		},
		ReconnectEnabled:     config.Cfg.ReconnectEnabled,
		ReconnectMaxAttempts: config.Cfg.ReconnectMaxAttempts,
	}
	if err := deps.Backoff.Validate(); err != nil {
		return fmt.Errorf("backoff config: %w", err)
	}

	for _, prof := range profs {
		c := session.NewController(prof, deps)
		sessions.Add(c)
		if monitor != nil {
			go c.Reconnector().WatchNetwork(ctx, monitor.Subscribe(ctx))
		}
		if !prof.AutoConnect {
			continue
		}
		go func() {
			if err := c.Connect(ctx); err != nil {
				log.Printf("[session] %s: initial connect failed: %v", prof.Name, err)
			}
		}()
	}
	log.Printf("Loaded %d profiles", len(profs))
	return nil
}

func runEncryptPassword() {
	fs := flag.NewFlagSet("encrypt-password", flag.ExitOnError)
	password := fs.String("password", "", "Password to encrypt")
	fs.Parse(os.Args[2:])

	if *password == "" {
		fmt.Fprintln(os.Stderr, "Usage: sshmanager --encrypt-password --password <pass>")
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	token, err := crypto.Encrypt(*password)
	if err != nil {
		log.Fatalf("Failed to encrypt password: %v", err)
	}
	fmt.Println(token)
}

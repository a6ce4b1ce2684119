// CLAUDE:SUMMARY domguard binary: wiring (stores, browser, service), chi API, embedded popup, MCP stdio/QUIC, audit mode.
package main

import (
	"context"
	"crypto/tls"
	"embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/hazyhaar/domguard"
	"github.com/hazyhaar/domguard/auth"
	"github.com/hazyhaar/domguard/dbopen"
	"github.com/hazyhaar/domguard/internal/browser"
	"github.com/hazyhaar/domguard/internal/config"
	"github.com/hazyhaar/domguard/internal/events"
	"github.com/hazyhaar/domguard/internal/store"
	"github.com/hazyhaar/domguard/mcpquic"
	"github.com/hazyhaar/domguard/shield"
	"github.com/hazyhaar/domguard/watch"
)

var version = "dev"

//go:embed static
var staticFS embed.FS

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	auditURL := flag.String("audit", "", "list script sources of a URL and exit (no browser)")
	mcpStdio := flag.Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("domguard", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Logs go to stderr: in MCP stdio mode, stdout is the transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *auditURL != "" {
		if err := runAudit(ctx, *auditURL); err != nil {
			slog.Error("audit", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, logger, *mcpStdio); err != nil {
		slog.Error("domguard", "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runAudit prints a page's script sources as JSON lines, one per script.
func runAudit(ctx context.Context, pageURL string) error {
	scripts, err := domguard.AuditPage(ctx, nil, pageURL)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, s := range scripts {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, mcpStdio bool) error {
	// Blocked-map database.
	storeDB, err := dbopen.Open(cfg.Storage.Path, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open store db: %w", err)
	}
	defer storeDB.Close()
	if err := store.ApplySchema(storeDB); err != nil {
		return fmt.Errorf("store schema: %w", err)
	}
	local := store.NewSQLite(storeDB)

	// Event database. Empty path shares the blocked-map database.
	eventsDB := storeDB
	if cfg.Events.Path != "" && cfg.Events.Path != cfg.Storage.Path {
		db, err := dbopen.Open(cfg.Events.Path, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("open events db: %w", err)
		}
		defer db.Close()
		eventsDB = db
	}
	if err := events.ApplySchema(eventsDB); err != nil {
		return fmt.Errorf("events schema: %w", err)
	}
	evlog := events.NewLog(eventsDB, 1000)
	defer evlog.Close()

	// Browser.
	mgr := browser.NewManager(browser.Config{
		RemoteURL:       cfg.Browser.Remote,
		Headless:        cfg.Browser.Headless,
		Stealth:         cfg.Browser.Stealth,
		MemoryLimit:     cfg.Browser.MemoryLimit,
		RecycleInterval: cfg.Browser.RecycleInterval,
		Logger:          logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}

	bridge := domguard.NewBridge(mgr, evlog, logger)

	// Storage mode. Session keeps maps in memory while the browser session
	// lives, falling back to the local file between sessions.
	var st store.Store = local
	var dual *store.Dual
	if cfg.Storage.Mode == config.ModeSession {
		dual = store.NewDual(store.NewMemory(), local)
		dual.SessionStarted()
		st = dual
	}

	// Recycling kills every tab: drop guard state and session maps with it.
	mgr.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: func() {
			bridge.Reset()
			if dual != nil {
				dual.SessionEnded()
			}
		},
		AfterRecycle: func() {
			if dual != nil {
				dual.SessionStarted()
			}
		},
	})

	svc := domguard.New(bridge, st,
		&domguard.Config{EvalTimeout: cfg.Browser.EvalTimeout},
		logger, domguard.WithEvents(evlog))
	defer svc.Close()

	// Local mode: another instance may write the map file. Re-sync armed
	// tabs when the database changes under us.
	if cfg.Storage.Mode == config.ModeLocal {
		w := watch.New(storeDB, watch.Options{
			Interval: time.Second,
			Debounce: 500 * time.Millisecond,
			Logger:   logger,
		})
		go w.OnChange(ctx, func() error {
			svc.Resync(ctx)
			return nil
		})
	}

	if cfg.Events.Retention > 0 {
		go cleanupLoop(ctx, evlog, cfg.Events.Retention, logger)
	}

	if mcpStdio {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "domguard", Version: version}, nil)
		svc.RegisterMCP(mcpSrv)
		logger.Info("mcp stdio serving")
		return mcpSrv.Run(ctx, &mcp.StdioTransport{})
	}

	// Optional MCP over QUIC.
	if quicAddr := os.Getenv("MCP_ADDR"); quicAddr != "" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "domguard", Version: version}, nil)
		svc.RegisterMCP(mcpSrv)

		certFile := env("TLS_CERT", "")
		keyFile := env("TLS_KEY", "")
		var tlsCfg *tls.Config
		var tlsErr error
		if certFile != "" && keyFile != "" {
			tlsCfg, tlsErr = mcpquic.ServerTLSConfig(certFile, keyFile)
		} else {
			tlsCfg, tlsErr = mcpquic.SelfSignedTLSConfig()
		}
		if tlsErr != nil {
			slog.Error("MCP QUIC TLS", "error", tlsErr)
		} else {
			ql, qErr := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				slog.Error("MCP QUIC listener", "error", qErr)
			} else {
				go func() {
					slog.Info("MCP QUIC starting", "addr", quicAddr)
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						slog.Error("MCP QUIC", "error", sErr)
					}
				}()
			}
		}
	}

	// Optional basic auth: hash once, drop the cleartext.
	var passwordHash []byte
	if cfg.Auth.Password != "" {
		passwordHash, err = auth.HashPassword(cfg.Auth.Password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		cfg.Auth.Password = ""
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(svc, passwordHash),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Listen, "storage", cfg.Storage.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func cleanupLoop(ctx context.Context, evlog *events.Log, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := evlog.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn("event cleanup", "error", err)
			} else if n > 0 {
				logger.Info("event cleanup", "removed", n)
			}
		}
	}
}

// newRouter builds the API and popup routes.
func newRouter(svc *domguard.Service, passwordHash []byte) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	if len(passwordHash) > 0 {
		r.Use(auth.Middleware(passwordHash))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok", "version": version})
	})

	// Popup view. Error states render as views with status 200; only bad
	// references and browser failures are HTTP errors.
	r.Get("/api/popup", func(w http.ResponseWriter, r *http.Request) {
		v, err := svc.Popup(r.Context(), r.URL.Query().Get("tab"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, v)
	})

	r.Post("/api/blocked", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tab     string `json:"tab"`
			URL     string `json:"url"`
			Blocked bool   `json:"blocked"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		m, err := svc.Toggle(r.Context(), req.Tab, req.URL, req.Blocked)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, m)
	})

	r.Get("/api/tabs", func(w http.ResponseWriter, r *http.Request) {
		infos, err := svc.Tabs(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, infos)
	})

	r.Post("/api/tabs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		info, err := svc.Open(r.Context(), req.URL)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, info)
	})

	r.Post("/api/tabs/{id}/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Save    bool            `json:"save"`
			Blocked map[string]bool `json:"blocked"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		err := svc.Refresh(r.Context(), chi.URLParam(r, "id"), req.Save, store.Map(req.Blocked))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "reloaded"})
	})

	r.Get("/api/tabs/{id}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = domguard.FormatMarkdown
		}
		data, contentType, err := svc.Snapshot(r.Context(), chi.URLParam(r, "id"), format)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(200)
		w.Write(data)
	})

	r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
		evs, err := svc.Events(r.Context(), r.URL.Query().Get("tab"), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, evs)
	})

	r.Post("/api/prune", func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.Prune(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, map[string]int{"pruned": n})
	})

	// Popup UI.
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		f, err := staticFS.Open("static/popup.html")
		if err != nil {
			http.Error(w, "not found", 404)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
	r.Handle("/static/*", http.FileServerFS(staticFS))

	return r
}

// statusFor maps service errors to HTTP statuses: bad references are 404,
// rejected input 422, everything else a browser-side failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domguard.ErrTabNotFound):
		return http.StatusNotFound
	case errors.Is(err, domguard.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, browser.ErrNoActiveTab):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

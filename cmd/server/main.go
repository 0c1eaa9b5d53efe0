package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"meridian.world/internal/auth"
	"meridian.world/internal/persistence/indexdb"
	"meridian.world/internal/sim/catalogs"
	"meridian.world/internal/sim/engine"
	"meridian.world/internal/sim/tuning"
	"meridian.world/internal/transport/ws"
)

// envConfig overrides flag defaults from the environment; flags still win
// when set explicitly.
type envConfig struct {
	Addr        string `env:"MW_ADDR"`
	WorldID     string `env:"MW_WORLD"`
	ConfigDir   string `env:"MW_CONFIG_DIR"`
	DataDir     string `env:"MW_DATA_DIR"`
	AuthSecret  string `env:"MW_AUTH_SECRET"`
	DisableDB   bool   `env:"MW_DISABLE_DB"`
	EnablePprof bool   `env:"MW_ENABLE_PPROF"`
}

func main() {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		log.Fatalf("parse env: %v", err)
	}

	var (
		addr         = flag.String("addr", defStr(ec.Addr, ":8080"), "http listen address")
		worldID      = flag.String("world", defStr(ec.WorldID, "world_1"), "world id")
		configDir    = flag.String("configs", defStr(ec.ConfigDir, "./configs"), "config directory")
		dataDir      = flag.String("data", defStr(ec.DataDir, "./data"), "runtime data directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		authSecret   = flag.String("auth_secret", ec.AuthSecret, "hmac auth secret (or set MW_AUTH_SECRET)")
		welcomeGrant = flag.Int64("welcome_grant", 100, "currency granted to each new principal on first join")
		disableDB    = flag.Bool("disable_db", ec.DisableDB, "disable the sqlite read-model index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	secret := strings.TrimSpace(*authSecret)
	if secret == "" {
		secret = "dev-secret"
		logger.Printf("MW_AUTH_SECRET not set; using dev secret")
	}
	provider := auth.NewHMACProvider(secret)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Printf("load catalogs: %v; using builtin kind schemas", err)
		cats = catalogs.Builtin()
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.Open(filepath.Join(worldDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
	}

	eng, err := engine.New(engine.Options{
		WorldID:      *worldID,
		DataDir:      worldDir,
		Tuning:       tune,
		Catalogs:     cats,
		Auth:         provider,
		Logger:       log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds),
		Index:        idx,
		WelcomeGrant: *welcomeGrant,
	})
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP meridian_world_tick Current world tick.\n")
		fmt.Fprintf(rw, "# TYPE meridian_world_tick gauge\n")
		fmt.Fprintf(rw, "meridian_world_tick{world=%q} %d\n", *worldID, eng.Tick())

		fmt.Fprintf(rw, "# HELP meridian_world_sessions Active sessions.\n")
		fmt.Fprintf(rw, "# TYPE meridian_world_sessions gauge\n")
		fmt.Fprintf(rw, "meridian_world_sessions{world=%q} %d\n", *worldID, len(eng.Sessions.Active()))

		fmt.Fprintf(rw, "# HELP meridian_world_entities Entities in the spatial store.\n")
		fmt.Fprintf(rw, "# TYPE meridian_world_entities gauge\n")
		fmt.Fprintf(rw, "meridian_world_entities{world=%q} %d\n", *worldID, eng.Store.Len())

		minted, balances, escrow := eng.Ledger.Totals()
		fmt.Fprintf(rw, "# HELP meridian_ledger_units Ledger currency totals.\n")
		fmt.Fprintf(rw, "# TYPE meridian_ledger_units gauge\n")
		fmt.Fprintf(rw, "meridian_ledger_units{world=%q,pool=%q} %d\n", *worldID, "minted", minted)
		fmt.Fprintf(rw, "meridian_ledger_units{world=%q,pool=%q} %d\n", *worldID, "balances", balances)
		fmt.Fprintf(rw, "meridian_ledger_units{world=%q,pool=%q} %d\n", *worldID, "escrow", escrow)
	})

	if ec.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(eng, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func defStr(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

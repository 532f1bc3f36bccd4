package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/candash/internal/config"
	"github.com/shaunagostinho/candash/internal/lexicon"
	"github.com/shaunagostinho/candash/internal/logging"
	"github.com/shaunagostinho/candash/internal/metrics"
	"github.com/shaunagostinho/candash/internal/sim"
)

func main() {
	configPath := flag.String("config", "/etc/candash/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :29536)")
	mode := flag.String("mode", "", "synthetic or replay")
	replayPath := flag.String("replay", "", "Frame log to replay (implies -mode replay)")
	metricsAddr := flag.String("metrics", "", "Serve metrics on this address (e.g. :9102)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cansim: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Sim.ListenAddr = *listenAddr
	}
	if *mode != "" {
		cfg.Sim.Mode = *mode
	}
	if *replayPath != "" {
		cfg.Sim.Mode = string(sim.ModeReplay)
		cfg.Sim.Replay.Path = *replayPath
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cansim: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, *metricsAddr, log); err != nil {
		log.Fatal("exited", zap.Error(err))
	}
}

func run(cfg *config.Config, metricsAddr string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.AppMetrics
	if metricsAddr != "" && cfg.Metrics.Enable {
		reg := metrics.NewRegistry()
		m = metrics.NewAppMetrics(reg)
		go serveMetrics(ctx, metricsAddr, cfg.Metrics.Path, metrics.Handler(reg), log)
	}

	simCfg := sim.Config{
		Addr: cfg.Sim.ListenAddr,
		Mode: sim.Mode(cfg.Sim.Mode),
		Tick: cfg.Sim.Tick,
	}

	var lex *lexicon.Lexicon
	switch simCfg.Mode {
	case sim.ModeReplay:
		if cfg.Sim.Replay.Path == "" {
			return errors.New("replay mode needs sim.replay.path")
		}
		simCfg.Replay = sim.ReplayOptions{
			Open:      sim.OpenFile(cfg.Sim.Replay.Path),
			Rate:      cfg.Sim.Replay.Rate,
			Loop:      cfg.Sim.Replay.Loop,
			ChunkSize: cfg.Sim.Replay.ChunkSize,
		}
	default:
		var err error
		if lex, err = lexicon.Load(cfg.Lexicon.Path); err != nil {
			return err
		}
	}

	srv, err := sim.NewServer(simCfg, lex, log.Named("sim"), m)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func serveMetrics(ctx context.Context, addr, path string, h http.Handler, log *zap.Logger) {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server failed", zap.Error(err))
	}
}

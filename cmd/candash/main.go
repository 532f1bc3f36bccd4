package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/candash/internal/calc"
	"github.com/shaunagostinho/candash/internal/canbus"
	"github.com/shaunagostinho/candash/internal/capture"
	"github.com/shaunagostinho/candash/internal/config"
	"github.com/shaunagostinho/candash/internal/lexicon"
	"github.com/shaunagostinho/candash/internal/logging"
	"github.com/shaunagostinho/candash/internal/metrics"
	"github.com/shaunagostinho/candash/internal/pipeline"
	"github.com/shaunagostinho/candash/internal/publish"
	"github.com/shaunagostinho/candash/internal/server"
	"github.com/shaunagostinho/candash/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/candash/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	gatewayAddr := flag.String("gateway", "", "Override gateway address (host:port or serial:///dev/rfcomm0)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "candash: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Dashboard.ListenAddr = *listenAddr
	}
	if *gatewayAddr != "" {
		cfg.Gateway.Addr = *gatewayAddr
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "candash: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	m := metrics.NewAppMetrics(reg)

	lex, err := lexicon.Load(cfg.Lexicon.Path)
	if err != nil {
		return err
	}
	frameIDs := cfg.Gateway.FrameIDs
	if len(frameIDs) == 0 {
		frameIDs = lex.FrameIDs(lexicon.Filter{Messages: cfg.Gateway.Messages, Signals: cfg.Gateway.Signals})
	}
	log.Info("lexicon loaded", zap.String("path", cfg.Lexicon.Path),
		zap.Int("messages", len(lex.Messages())), zap.Int("subscriptions", len(frameIDs)))

	engine := calc.New(calc.DefaultProfile(constants(cfg.Calc)),
		calc.WithHistoryCapacity(cfg.Calc.HistoryCapacity),
		calc.WithLogger(log.Named("calc")),
		calc.WithMetrics(m))

	srv := server.New(cfg, reg, log.Named("server"), m)
	sinks := []pipeline.Sink{srv}
	if cfg.Redis.Enabled {
		pub, err := publish.Dial(ctx, cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, continuing without it", zap.Error(err))
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}

	pipe := pipeline.New(engine, pipeline.Config{
		Aliases:       cfg.Calc.Aliases,
		Quantities:    cfg.Calc.Quantities,
		FlushInterval: cfg.Pipeline.FlushInterval,
		MaxBatch:      cfg.Pipeline.MaxBatch,
	}, sinks, log.Named("pipeline"), m)

	rec := capture.New(capture.Config{
		Enabled: cfg.Capture.Enabled,
		Path:    cfg.Capture.Path,
		MaxRows: cfg.Capture.MaxRows,
	}, log.Named("capture"))
	defer rec.Close()

	decoder := &canbus.Decoder{Lexicon: lex}
	if cfg.Gateway.Trace {
		trace := log.Named("trace")
		decoder.Trace = func(msg *lexicon.Message, sig *lexicon.Signal, bits string, raw uint64) {
			trace.Debug("signal bits", zap.String("message", msg.Name), zap.String("signal", sig.Name),
				zap.String("bits", bits), zap.Uint64("raw", raw))
		}
	}

	gwLog := log.Named("gateway")
	handlers := transport.Handlers{
		OnFrame:   func(text string, _ canbus.Frame) { rec.Record(text) },
		OnSignals: pipe.HandleSignals,
		OnError: func(err error) {
			gwLog.Debug("frame dropped", zap.Error(err))
		},
	}
	gwCfg := transport.Config{
		Addr:          cfg.Gateway.Addr,
		Channel:       cfg.Gateway.Channel,
		AckTimeout:    cfg.Gateway.AckTimeout,
		FrameIDs:      frameIDs,
		SubscribeAcks: cfg.Gateway.SubscribeAcks,
	}
	srv.SetCapture(rec)

	var sessions sync.WaitGroup
	connect := func(ctx context.Context) (<-chan struct{}, error) {
		c, err := transport.Dial(ctx, gwCfg, handlers,
			transport.WithDecoder(decoder),
			transport.WithLogger(gwLog),
			transport.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			select {
			case <-ctx.Done():
				closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				c.Close(closeCtx)
			case <-c.Done():
				if err := c.Err(); err != nil {
					gwLog.Warn("session ended", zap.String("session", c.ID()), zap.Error(err))
				}
			}
		}()
		return c.Done(), nil
	}

	retryDone := make(chan struct{})
	go func() {
		defer close(retryDone)
		connectWithRetry(ctx, gwLog, cfg.Gateway.MaxRetries, connect)
	}()

	piped := make(chan struct{})
	go func() {
		defer close(piped)
		pipe.Run(ctx)
	}()

	// Start server; it works immediately even while the gateway is still connecting
	err = srv.Run(ctx)
	stop()

	// Let the gateway session send its close and the pipeline flush once more.
	sessionsDone := make(chan struct{})
	go func() {
		<-retryDone
		sessions.Wait()
		close(sessionsDone)
	}()
	if !waitShutdown(5*time.Second, sessionsDone, piped) {
		log.Warn("shutdown timed out")
	}
	return err
}

// waitShutdown waits for every channel to close. It reports false when
// timeout passes first.
func waitShutdown(timeout time.Duration, done ...<-chan struct{}) bool {
	deadline := time.After(timeout)
	for _, d := range done {
		select {
		case <-d:
		case <-deadline:
			return false
		}
	}
	return true
}

func constants(c config.CalcConfig) calc.Constants {
	return calc.Constants{
		FuelDensity:            c.FuelDensity,
		AirDensity:             c.AirDensity,
		EngineDisplacement:     c.EngineDisplacement,
		VolumetricEfficiency:   c.VolumetricEfficiency,
		GearTable:              c.GearTable,
		GearTolerance:          c.GearTolerance,
		FuelConsumptionModulus: c.FuelConsumptionModulus,
	}
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/stationstream/pkg/api"
	"github.com/edgeflare/stationstream/pkg/config"
	"github.com/edgeflare/stationstream/pkg/metrics"
	"github.com/edgeflare/stationstream/pkg/stream"
	"github.com/edgeflare/stationstream/pkg/stream/kafka"
	"github.com/edgeflare/stationstream/pkg/stream/memlog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var seedFile string

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"r"},
	Short:   "Run the station processor",
	Long:    `Run the transform and table stages, the lookup API and the metrics server until interrupted.`,
	RunE:    runProcessor,
}

func runProcessor(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	broker, err := openBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	pcfg, err := cfg.Processor()
	if err != nil {
		return err
	}
	if mem, ok := broker.(*memlog.Broker); ok {
		pcfg.CreateInputTopic = true
		if seedFile != "" {
			n, err := seed(mem, pcfg.InputTopic, seedFile)
			if err != nil {
				return err
			}
			logger.Info("seeded input topic", zap.String("topic", pcfg.InputTopic), zap.Int("records", n))
		}
	}

	proc, err := stream.NewProcessor(pcfg, broker, stream.NewTopicRegistry(broker, logger), logger)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr, Logger: logger})
	}

	srv := api.NewServer(proc, api.Options{
		Addr:           cfg.HTTP.ListenAddr,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})
	errChan := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("lookup API: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received termination signal, shutting down gracefully")
	case runErr = <-errChan:
		logger.Error("processor error", zap.Error(runErr))
	}
	cancel()
	proc.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("lookup API shutdown failed", zap.Error(err))
	}

	doneChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneChan)
	}()

	// Wait with timeout
	select {
	case <-doneChan:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10 seconds")
	}
	return runErr
}

// openBroker connects to Kafka, or returns an in-memory broker when the
// only configured broker is memory://.
func openBroker(ctx context.Context, c *config.Config) (stream.Broker, error) {
	if c.UsesMemoryBroker() {
		logger.Warn("using the in-memory broker, nothing is persisted")
		return memlog.New(), nil
	}
	client, err := kafka.NewClient(ctx, &c.Kafka, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

const maxSeedLine = 16 << 20

// seed appends each non-empty line of path to topic.
func seed(b *memlog.Broker, topic, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxSeedLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if _, err := b.Append(topic, nil, bytes.Clone(line)); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}

func init() {
	f := runCmd.Flags()
	f.Bool("metrics", true, "Enable Prometheus metrics server")
	f.String("metrics-addr", ":9100", "Prometheus metrics server address")
	f.String("listen-addr", ":8080", "Lookup API listen address")
	f.String("offset-reset", "earliest", "Where a new consumer group starts reading the inbound topic (earliest, latest)")
	f.StringVar(&seedFile, "seed", "", "JSON lines file appended to the inbound topic of the in-memory broker")

	for key, flag := range map[string]string{
		"metrics.enabled":    "metrics",
		"metrics.addr":       "metrics-addr",
		"http.listenAddr":    "listen-addr",
		"stream.offsetReset": "offset-reset",
	} {
		if err := viper.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("error binding flag '%s': %v", key, err))
		}
	}
}

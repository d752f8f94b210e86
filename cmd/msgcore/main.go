package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flarerelay/msgcore/internal/config"
	"github.com/flarerelay/msgcore/internal/log"
	"github.com/flarerelay/msgcore/internal/model"
	"github.com/flarerelay/msgcore/internal/stream"
)

const version = "v0.1.0"

var (
	configPath string
	useStubBus bool
)

func main() {
	root := &cobra.Command{
		Use:     "msgcore",
		Short:   "Distributed instant-messaging routing and delivery core",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults applied otherwise)")
	root.PersistentFlags().BoolVar(&useStubBus, "stub-bus", false, "use the in-memory event bus instead of Kafka (local development)")

	root.AddCommand(
		serveCmd(),
		routerCmd(),
		workerCmd(),
		registryCmd(),
		syncCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	log.Init(cfg.Log)
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveCmd runs every pipeline stage in one process: the Delivery Worker
// consuming message_distribution, and the ops HTTP surface. The Router
// and Admission stages are wired and ready but are driven by whatever
// transport adapter calls their Go interfaces; this process alone does
// not terminate client connections.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every pipeline stage in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := buildComponents(cfg, useStubBus)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			return runAll(ctx, c)
		},
	}
}

func routerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Run the Router Front-End's ops surface",
		Long:  "The Router's Route method is a Go interface called directly by the transport adapter that owns client connections; this subcommand starts the component and its health/metrics endpoint for a split-process deployment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := buildComponents(cfg, useStubBus)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runWithHealthServer(ctx, c)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the Delivery Worker, consuming message_distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := buildComponents(cfg, useStubBus)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runDeliveryWorker(ctx, c)
		},
	}
}

func registryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registry",
		Short: "Run the Session Registry's ops surface",
		Long:  "connect/disconnect/heartbeat/get_routes are Go interfaces called by the gateway transport adapter; this subcommand starts the component and its health endpoint for a split-process deployment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := buildComponents(cfg, useStubBus)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runWithHealthServer(ctx, c)
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run the Sync Coordinator's ops surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := buildComponents(cfg, useStubBus)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runWithHealthServer(ctx, c)
		},
	}
}

// runAll starts the event bus, the Delivery Worker's consumer loop, and
// the ops HTTP server, blocking until ctx is cancelled.
func runAll(ctx context.Context, c *components) error {
	if err := c.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer c.bus.Stop(context.Background())

	if err := c.publisher.Start(ctx); err != nil {
		return fmt.Errorf("start notification publisher: %w", err)
	}
	defer c.publisher.Stop(context.Background())

	if err := subscribeDistribution(ctx, c); err != nil {
		return err
	}

	go func() {
		if err := c.worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.For("cmd").Error().Err(err).Msg("delivery worker stopped")
		}
	}()

	return serveHTTPUntilDone(ctx, c)
}

// runDeliveryWorker starts only the bus and the consumer loop feeding the
// Delivery Worker, plus its health endpoint.
func runDeliveryWorker(ctx context.Context, c *components) error {
	if err := c.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer c.bus.Stop(context.Background())

	if err := c.publisher.Start(ctx); err != nil {
		return fmt.Errorf("start notification publisher: %w", err)
	}
	defer c.publisher.Stop(context.Background())

	if err := subscribeDistribution(ctx, c); err != nil {
		return err
	}

	go func() {
		if err := c.worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.For("cmd").Error().Err(err).Msg("delivery worker stopped")
		}
	}()

	return serveHTTPUntilDone(ctx, c)
}

// runWithHealthServer starts the event bus and ops HTTP server only,
// leaving the component's Go-interface methods to be invoked by
// whatever transport adapter is wired in front of this process.
func runWithHealthServer(ctx context.Context, c *components) error {
	if err := c.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer c.bus.Stop(context.Background())

	return serveHTTPUntilDone(ctx, c)
}

func serveHTTPUntilDone(ctx context.Context, c *components) error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.httpServer.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return c.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// subscribeDistribution wires the bus consumer that decodes each
// message_distribution envelope and hands it to the Delivery Worker's
// priority queue.
func subscribeDistribution(ctx context.Context, c *components) error {
	return c.bus.Subscribe(ctx, c.cfg.Kafka.TopicDistribution, c.cfg.Kafka.ConsumerGroup, func(ctx context.Context, raw *stream.Message) error {
		var envelope stream.Envelope
		if err := json.Unmarshal(raw.Payload, &envelope); err != nil {
			return stream.NewPoisonMessageError(fmt.Errorf("decode envelope: %w", err))
		}
		var msg model.Message
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return stream.NewPoisonMessageError(fmt.Errorf("decode message %s: %w", envelope.MessageID, err))
		}
		return c.worker.HandleMessagesPriority(ctx, &msg)
	})
}

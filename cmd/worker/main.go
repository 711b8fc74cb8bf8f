package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eps3/xspider/internal/client"
	"github.com/eps3/xspider/internal/config"
	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/platform/logging"
	"github.com/eps3/xspider/internal/rpc"
	"github.com/eps3/xspider/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "xspider-worker",
		Short:        "Consume messages from a broker queue with a pool of workers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.New(), cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	f.Bool("debug", false, "enable debug logging")
	f.String("host", "", "broker host; empty means loopback")
	f.Int("port", 19002, "broker port")
	f.String("secret", "", "shared secret")
	f.String("codec", rpc.CodecNameMsgpack, "wire codec (msgpack or json)")
	f.String("queue", "", "queue to consume")
	f.Int("workers", 10, "number of concurrent workers")
	f.Uint("connect-attempts", 1, "dial attempts before giving up")
	f.Duration("connect-delay", 0, "base delay between dial attempts")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.Setup(cfg.Debug)
	if cfg.Queue == "" {
		return errors.New("--queue is required")
	}

	ep := client.Endpoint{Host: cfg.Host, Port: cfg.Port, Secret: cfg.Secret}
	var processed atomic.Int64

	pool := worker.NewPool(logger)
	task := func() {
		c := client.New(ep,
			client.WithLogger(logger),
			client.WithCodec(cfg.Codec),
			client.WithConnectRetry(cfg.ConnectAttempts, cfg.ConnectDelay),
		)
		c.RegisterName(cfg.Queue)
		defer c.Close()
		consume(ctx, c, cfg.Queue, logger, &processed)
	}
	if err := pool.AddTask("consume:"+cfg.Queue, task, cfg.Workers); err != nil {
		return err
	}
	if err := pool.Start(); err != nil {
		return err
	}
	logger.Info("Workers started", "queue", cfg.Queue, "workers", cfg.Workers, "broker", ep.URL())

	pool.Join()
	logger.Info("Workers stopped", "queue", cfg.Queue, "processed", processed.Load())
	return nil
}

// consume takes messages off queue until the broker goes away or ctx ends.
func consume(ctx context.Context, c *client.Client, queue string, logger *slog.Logger, processed *atomic.Int64) {
	for {
		msg, err := c.Get(ctx, queue)
		switch {
		case err == nil:
			processed.Add(1)
			logger.Info("Message received", "queue", queue, "bytes", len(msg), "message", string(msg))
		case ctx.Err() != nil:
			return
		case errors.Is(err, domain.ErrConnectionClosed), errors.Is(err, domain.ErrQueueClosed):
			logger.Info("Broker closed the queue", "queue", queue)
			return
		default:
			logger.Error("Get failed", "queue", queue, "error", err)
			return
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eps3/xspider/internal/broker"
	"github.com/eps3/xspider/internal/config"
	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/platform/events"
	"github.com/eps3/xspider/internal/platform/logging"
	"github.com/eps3/xspider/internal/platform/queue"
	"github.com/eps3/xspider/internal/platform/web"
	"github.com/eps3/xspider/internal/rpc"
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

	root := &cobra.Command{
		Use:          "xspider-broker",
		Short:        "Host named queues for remote producers and workers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.New(), cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.Bool("debug", false, "enable debug logging")
	pf.String("redis-addr", "", "Redis address for lifecycle events; empty disables publishing")
	pf.String("events-channel", events.DefaultChannel, "Redis channel for lifecycle events")

	f := root.Flags()
	f.String("host", "", "interface to bind; empty binds all interfaces")
	f.Int("port", 19002, "port to bind")
	f.String("secret", "", "shared secret every client must present")
	f.String("codec", rpc.CodecNameMsgpack, "wire codec for clients that do not ask for one (msgpack or json)")
	f.StringSlice("queues", nil, "queue names to host")
	f.Duration("drain-interval", broker.DefaultDrainInterval, "pause between emptiness checks while draining")
	f.Float64("handshake-rate", 0, "handshakes per second allowed per remote host; 0 disables limiting")
	f.Float64("handshake-burst", 10, "handshake burst allowed per remote host")

	root.AddCommand(newWatchCmd(&cfgFile))
	return root
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.Setup(cfg.Debug)

	if cfg.Secret == "" {
		logger.Warn("No shared secret configured; any client presenting an empty secret is accepted")
	}
	if len(cfg.Queues) == 0 {
		logger.Warn("No queues configured; only the control queue will be served")
	}

	publisher, closeEvents, err := openEvents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithDrainInterval(cfg.DrainInterval),
		broker.WithCodec(rpc.GetCodec(cfg.Codec)),
		broker.WithEvents(publisher),
	}
	if cfg.HandshakeRate > 0 {
		opts = append(opts, broker.WithRateLimiter(web.NewRateLimiter(ctx, cfg.HandshakeRate, cfg.HandshakeBurst)))
	}

	b := broker.New(cfg.Host, cfg.Port, cfg.Secret, opts...)
	for _, name := range cfg.Queues {
		if err := b.Register(name, queue.NewMemory(name)); err != nil {
			logger.Error("Registering queue failed", "queue", name, "error", err)
			return err
		}
	}

	err = b.Start(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("Broker interrupted")
		return nil
	case err != nil:
		logger.Error("Broker failed", "error", err)
		return err
	}
	return nil
}

func openEvents(ctx context.Context, cfg config.Config, logger *slog.Logger) (domain.EventPublisher, func(), error) {
	if cfg.RedisAddr == "" {
		return domain.NopPublisher{}, func() {}, nil
	}

	pub, err := events.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.EventsChannel)
	if err != nil {
		logger.Error("Redis unavailable", "addr", cfg.RedisAddr, "error", err)
		return nil, nil, err
	}
	logger.Info("Publishing lifecycle events", "addr", cfg.RedisAddr, "channel", cfg.EventsChannel)
	return pub, func() { pub.Close() }, nil
}

func newWatchCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:          "watch",
		Short:        "Print broker lifecycle events published to Redis",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.New(), *cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger := logging.Setup(cfg.Debug)
			if cfg.RedisAddr == "" {
				return errors.New("watch requires --redis-addr")
			}

			ctx := cmd.Context()
			sub, err := events.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.EventsChannel)
			if err != nil {
				return err
			}
			defer sub.Close()

			ch, err := sub.Subscribe(ctx)
			if err != nil {
				return err
			}
			logger.Info("Watching lifecycle events", "channel", cfg.EventsChannel)

			out := cmd.OutOrStdout()
			for evt := range ch {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", evt.Time.Format(time.RFC3339), evt.Broker, evt.State, evt.Queue)
			}
			return nil
		},
	}
}

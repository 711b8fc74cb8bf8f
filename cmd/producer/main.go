package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eps3/xspider/internal/client"
	"github.com/eps3/xspider/internal/config"
	"github.com/eps3/xspider/internal/domain"
	"github.com/eps3/xspider/internal/platform/logging"
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
	var (
		cfgFile  string
		shutdown bool
	)

	cmd := &cobra.Command{
		Use:   "xspider-producer [message...]",
		Short: "Put messages onto a broker queue",
		Long: "Put each argument onto --queue as one message. With no arguments, " +
			"every line read from stdin becomes a message. --shutdown asks the broker " +
			"to drain and terminate once the messages are sent.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.New(), cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			return produce(cmd, cfg, args, shutdown)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	f.BoolVar(&shutdown, "shutdown", false, "send the shutdown sentinel after all messages")
	f.Bool("debug", false, "enable debug logging")
	f.String("host", "", "broker host; empty means loopback")
	f.Int("port", 19002, "broker port")
	f.String("secret", "", "shared secret")
	f.String("codec", rpc.CodecNameMsgpack, "wire codec (msgpack or json)")
	f.String("queue", "", "queue to put messages on")
	f.Uint("connect-attempts", 1, "dial attempts before giving up")
	f.Duration("connect-delay", 0, "base delay between dial attempts")
	return cmd
}

func produce(cmd *cobra.Command, cfg config.Config, args []string, shutdown bool) error {
	logger := logging.Setup(cfg.Debug)
	ctx := cmd.Context()

	if cfg.Queue == "" && !shutdown {
		return errors.New("--queue is required unless only --shutdown is given")
	}

	c := client.New(
		client.Endpoint{Host: cfg.Host, Port: cfg.Port, Secret: cfg.Secret},
		client.WithLogger(logger),
		client.WithCodec(cfg.Codec),
		client.WithConnectRetry(cfg.ConnectAttempts, cfg.ConnectDelay),
	)
	defer c.Close()

	sent := 0
	put := func(msg string) error {
		if err := c.Put(ctx, cfg.Queue, domain.Message(msg)); err != nil {
			logger.Error("Put failed", "queue", cfg.Queue, "error", err)
			return err
		}
		sent++
		return nil
	}

	if cfg.Queue != "" {
		c.RegisterName(cfg.Queue)
		if len(args) > 0 {
			for _, msg := range args {
				if err := put(msg); err != nil {
					return err
				}
			}
		} else {
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				if err := put(scanner.Text()); err != nil {
					return err
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
		}
		logger.Info("Messages published", "queue", cfg.Queue, "count", sent)
	}

	if shutdown {
		if err := c.Shutdown(ctx); err != nil {
			logger.Error("Shutdown request failed", "error", err)
			return err
		}
		logger.Info("Shutdown requested")
	}
	return nil
}

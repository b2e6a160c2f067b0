package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/conn"
	"github.com/dgnsrekt/logrelay/internal/destinations"
	"github.com/dgnsrekt/logrelay/internal/events"
	"github.com/dgnsrekt/logrelay/internal/notify"
	"github.com/dgnsrekt/logrelay/internal/source"
	"github.com/dgnsrekt/logrelay/internal/streamer"
)

type streamOptions struct {
	file    string
	follow  bool
	fromEnd bool
	print   bool
}

func streamCmd() *cobra.Command {
	var opts streamOptions

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream events from a JSONL file to the relay",
		Long: `Read parsed events (one JSON object per line) and stream them to the relay,
batched per destination. Reconnects with backoff and replays unacknowledged
events after a reconnect.

Examples:
  # Follow a growing file
  logrelay stream --file events.jsonl

  # Send an existing file once and print what friends send back
  logrelay stream --file events.jsonl --follow=false --print`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			return runStream(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "JSONL event file")
	cmd.Flags().BoolVar(&opts.follow, "follow", true, "keep reading as the file grows")
	cmd.Flags().BoolVar(&opts.fromEnd, "from-end", false, "skip existing lines when following")
	cmd.Flags().BoolVar(&opts.print, "print", false, "print batches received from other clients")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runStream(ctx context.Context, opts streamOptions, out io.Writer) error {
	cc := cfg.Client

	logger.Info("configuration loaded",
		zap.String("url", cc.URL),
		zap.String("identity", cc.Identity),
		zap.Int("batchSize", cc.Batch.SizeThreshold),
		zap.Duration("batchWait", cc.Batch.TimeThreshold),
		zap.Bool("autoReconnect", cc.AutoReconnect),
		zap.String("file", opts.file),
	)

	if _, err := os.Stat(opts.file); err != nil {
		return fmt.Errorf("event file: %w", err)
	}

	codec, err := events.NewCodec()
	if err != nil {
		return err
	}
	defer codec.Close()

	mgr, err := conn.NewManager(conn.Options{
		URL:           cc.URL,
		Identity:      cc.Identity,
		Credential:    cc.Credential,
		ClientType:    cc.ClientType,
		TimeZone:      cc.TimeZone,
		AutoReconnect: cc.AutoReconnect,
		Backoff: conn.Backoff{
			Base:        cc.Reconnect.BaseDelay,
			Max:         cc.Reconnect.MaxDelay,
			Multiplier:  cc.Reconnect.Multiplier,
			MaxAttempts: cc.Reconnect.MaxAttempts,
		},
		DialTimeout:       cc.DialTimeout,
		SendBuffer:        cc.SendBuffer,
		MessagesPerSecond: cc.MessagesPerSecond,
		Logger:            logger.Named("conn"),
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	var resolver destinations.Resolver
	if dc := cc.Destinations; dc.ResolverURL != "" {
		resolver = destinations.NewHTTPResolver(dc.ResolverURL, cc.Credential, dc.RatePerSecond, dc.Timeout, dc.RetryDelay, dc.RetryCount, logger.Named("destinations"))
	} else {
		resolver = destinations.NewStatic(dc.Friends, dc.Groups)
	}

	var onReceive streamer.ReceiveFunc
	if opts.print {
		onReceive = func(from string, dest events.Destination, evs []events.Event) {
			for _, ev := range evs {
				text := ev.RenderedText
				if text == "" {
					text = ev.RawText
				}
				fmt.Fprintf(out, "[%s] %s %s: %s\n", dest, ev.Timestamp, from, text)
			}
		}
	}

	st := streamer.New(mgr, resolver, notify.New(&cfg.Notify, logger.Named("notify")), codec, streamer.Options{
		Identity:        cc.Identity,
		URL:             cc.URL,
		HistorySize:     cc.HistorySize,
		RefreshInterval: cc.Destinations.RefreshInterval,
		SizeThreshold:   cc.Batch.SizeThreshold,
		TimeThreshold:   cc.Batch.TimeThreshold,
		OnReceive:       onReceive,
		Logger:          logger.Named("streamer"),
	})

	src := source.NewJSONLSource(source.Options{
		Path:     opts.file,
		Follow:   opts.follow,
		FromEnd:  opts.fromEnd,
		Identity: cc.Identity,
		Logger:   logger.Named("source"),
	})

	return st.Run(ctx, src)
}

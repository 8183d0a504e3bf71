// streamtest connects with one credential and streams parsed ticks to the
// console. Usage:
//
//	KITE_API_KEY=... KITE_ACCESS_TOKEN=... go run ./cmd/streamtest -tokens 256265,408065
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/kite-stream/internal/connection"
	"github.com/rickgao/kite-stream/internal/manager"
	"github.com/rickgao/kite-stream/internal/ticks"
)

func main() {
	tokensFlag := flag.String("tokens", "256265", "comma-separated instrument tokens")
	modeFlag := flag.String("mode", "quote", "subscription mode: ltp, quote or full")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	apiKey := os.Getenv("KITE_API_KEY")
	accessToken := os.Getenv("KITE_ACCESS_TOKEN")
	if apiKey == "" || accessToken == "" {
		logger.Error("KITE_API_KEY and KITE_ACCESS_TOKEN are required")
		os.Exit(1)
	}

	tokens, err := parseTokens(*tokensFlag)
	if err != nil {
		logger.Error("invalid tokens", "error", err)
		os.Exit(1)
	}
	mode := ticks.Mode(*modeFlag)
	if !mode.Valid() {
		logger.Error("invalid mode", "mode", *modeFlag)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	mgr := manager.New(manager.DefaultConfig(apiKey, accessToken), logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start manager", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		mgr.Stop(stopCtx)
	}()

	channels := mgr.AllChannels()
	if err := mgr.Subscribe(tokens, mode); err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}
	logger.Info("subscribed", "tokens", len(tokens), "mode", mode)

	for id, ch := range channels {
		go func(id int, ch <-chan connection.Message) {
			for msg := range ch {
				switch msg.Kind {
				case connection.KindTicks:
					for _, t := range msg.Ticks {
						logger.Info("tick",
							"conn", id,
							"token", t.InstrumentToken,
							"mode", t.Mode,
							"ltp", t.LastPrice,
						)
					}
				case connection.KindError:
					logger.Warn("stream error", "conn", id, "error", msg.Err)
				case connection.KindClosing:
					logger.Info("closing", "conn", id, "reason", msg.Reason)
				case connection.KindText:
					logger.Info("server message", "conn", id, "json", string(msg.Text))
				}
			}
		}(id, ch)
	}

	<-ctx.Done()
}

func parseTokens(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

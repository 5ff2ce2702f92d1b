// streamprobe connects to the CLOB market feed and streams parsed
// events to the console. Useful for eyeballing the wire format and
// verifying connectivity before pointing bookwatch at a set of tokens.
//
// Usage: go run ./cmd/streamprobe --url wss://ws-subscriptions-clob.polymarket.com/ws/market 111 222
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkarp/polybook/internal/book"
	"github.com/mkarp/polybook/internal/feed"
)

// consolePrinter implements feed.Sink by printing every event.
type consolePrinter struct {
	verbose bool
}

func (p *consolePrinter) Seed(tokenID string, bids, asks []book.Level) {
	fmt.Printf("[BOOK] token=%s bids=%d asks=%d", tokenID, len(bids), len(asks))
	if p.verbose {
		if len(bids) > 0 {
			fmt.Printf(" best_bid=%s@%s", bids[0].Size, bids[0].Price)
		}
		if len(asks) > 0 {
			fmt.Printf(" best_ask=%s@%s", asks[0].Size, asks[0].Price)
		}
	}
	fmt.Println()
}

func (p *consolePrinter) Apply(d book.Delta) {
	fmt.Printf("[DELTA] token=%s side=%s price=%s size=%s\n", d.TokenID, d.Side, d.Price, d.Size)
}

func main() {
	url := flag.String("url", "wss://ws-subscriptions-clob.polymarket.com/ws/market", "market channel URL")
	verbose := flag.Bool("verbose", false, "print best levels on book events")
	flag.Parse()

	tokenIDs := flag.Args()
	if len(tokenIDs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: streamprobe [--url WS_URL] [--verbose] TOKEN_ID...")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	cfg := feed.DefaultManagerConfig()
	cfg.URL = *url

	manager := feed.NewManager(cfg, &consolePrinter{verbose: *verbose}, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start feed manager", "error", err)
		os.Exit(1)
	}

	states, stopWatch := manager.StateChanges()
	defer stopWatch()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-states:
				fmt.Printf("[STATE] %s\n", st)
			}
		}
	}()

	manager.Acquire(tokenIDs)
	logger.Info("streaming started - press Ctrl+C to stop", "instruments", len(tokenIDs))

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	manager.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tripsync "go-tripsync"
	"go-tripsync/clock"
	"go-tripsync/config"
	"go-tripsync/realtime"

	"github.com/spf13/cobra"
)

func runOperator(cmd *cobra.Command, args []string) error {
	var ctx = context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var logger = newLogger()

	fmt.Printf("Opening %s claim store...\n", cfg.Store.Driver)
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var trips = tripsync.NewMemoryTrips(clock.New())
	node, err := newOperatorNode(cfg, store, newDialer(cfg, realtime.NewMemoryHub()), trips, logger,
		tripsync.WithDeleteRequestHandler(func(req realtime.PalletDeleteRequested) {
			fmt.Fprintf(os.Stderr, "\n🗑  %s asks to delete pallet %s: %s\n", req.DeviceID, req.PalletNumber, req.Reason)
		}),
	)
	if err != nil {
		return err
	}

	fmt.Printf("Connecting to %s...\n", cfg.Hub.URL)
	if err := node.Start(ctx, cfg.Hub.URL); err != nil {
		// The node keeps running; [r] retries.
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	}

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	keyCh, closeKeyboard, err := openKeyboard()
	if err != nil {
		return err
	}
	defer closeKeyboard()

	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var (
		line   lineEditor
		action func(string) error
	)

	printOperatorStatus(ctx, cfg, node, trips, &line)

	for {
		select {
		case <-ticker.C:
			printOperatorStatus(ctx, cfg, node, trips, &line)
		case kp := <-keyCh:
			if line.active() {
				if input, done := line.feed(kp); done && action != nil {
					if input = strings.TrimSpace(input); input != "" {
						if err := action(input); err != nil {
							fmt.Fprintf(os.Stderr, "\n❌ %v\n", err)
						}
					}
					action = nil
				}
				printOperatorStatus(ctx, cfg, node, trips, &line)
				continue
			}

			switch kp.char {
			case 'n', 'N':
				line.start("New trip key")
				action = func(key string) error { return node.CreateTrip(ctx, key) }
			case 'o', 'O':
				line.start("Open trip key")
				action = func(key string) error { return node.OpenTrip(ctx, key) }
			case 'p', 'P':
				line.start("Reopen trip key")
				action = func(key string) error { return node.ReopenTrip(ctx, key) }
			case 'x', 'X':
				line.start("Delete pallet number")
				action = func(number string) error { return node.DeletePallet(ctx, number) }
			case 'f', 'F':
				if err := node.FinalizeTrip(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "\n❌ %v\n", err)
				}
			case 'd', 'D':
				fmt.Fprintf(os.Stderr, "\n🔌 Disconnecting from hub...\n")
				node.Channel().Disconnect()
			case 'r', 'R':
				fmt.Fprintf(os.Stderr, "\n🔌 Reconnecting to hub...\n")
				if err := node.Reconnect(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "❌ Failed to reconnect: %v\n", err)
				}
			case 'c', 'C':
				fmt.Printf("\n\n💥 Crashing immediately (no cleanup)...\n")
				os.Exit(1)
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down gracefully...\n")
				var stopCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				if err := node.Stop(stopCtx); err != nil {
					return fmt.Errorf("failed to stop node: %w", err)
				}
				fmt.Printf("✓ Released trip claims\n")
				return nil
			}
			printOperatorStatus(ctx, cfg, node, trips, &line)
		case sig := <-sigCh:
			fmt.Printf("\n\n💥 Received signal %v, crashing immediately (no cleanup)...\n", sig)
			os.Exit(1)
		}
	}
}

func printOperatorStatus(ctx context.Context, cfg *config.Config, node *tripsync.Node, trips tripsync.TripService, line *lineEditor) {
	var (
		locks   = node.Locks()
		channel = node.Channel()
		active  = node.ActiveTrip()
	)

	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Printf("Operator %s\n", locks.OwnerID())
	fmt.Printf("  Hub:          %s (%s)\n", cfg.Hub.URL, channel.State())
	fmt.Printf("  Store:        %s\n", cfg.Store.Driver)
	fmt.Printf("  Poll every:   %s\n", locks.PollInterval())

	if active == "" {
		fmt.Printf("\nNo trip open\n")
	} else {
		fmt.Printf("\nTrip %s (claimed: %t)\n", active, locks.OwnedTrip() == active)
		if pallets, err := trips.Pallets(ctx, active); err == nil {
			printPallets(pallets)
		}
	}

	if channel.State() != realtime.Connected {
		fmt.Printf("\n⚠️  HUB %s\n", strings.ToUpper(channel.State().String()))
	}

	if line.active() {
		fmt.Printf("\n%s\n  [enter] confirm  [esc] cancel\n", line)
		return
	}

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [n] New trip     [o] Open trip    [p] Reopen trip\n")
	fmt.Printf("  [f] Finalize     [x] Delete pallet\n")
	if channel.State() == realtime.Disconnected {
		fmt.Printf("  [r] Reconnect to hub\n")
	} else {
		fmt.Printf("  [d] Disconnect from hub\n")
	}
	fmt.Printf("  [c] Crash without cleanup\n")
	fmt.Printf("  [q] Quit gracefully\n")
}

func printPallets(pallets []realtime.Pallet) {
	if len(pallets) == 0 {
		fmt.Printf("  (no pallets)\n")
		return
	}
	for _, p := range pallets {
		fmt.Printf("  %-20s boxes=%-3d by %-12s at %s\n", p.Number, p.Boxes, p.ScannedBy, p.ScannedAt.Format(time.TimeOnly))
	}
}

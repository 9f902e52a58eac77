package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tripsync "go-tripsync"
	"go-tripsync/config"
	"go-tripsync/realtime"

	"github.com/eiannone/keyboard"
	"github.com/spf13/cobra"
)

// noticeLog keeps the last notices addressed to the device for the status screen.
type noticeLog struct {
	mu    sync.Mutex
	lines []string
}

func (n *noticeLog) record(ev realtime.Event) {
	var line string
	switch e := ev.(type) {
	case realtime.ErrorNotice:
		line = fmt.Sprintf("❌ %s %s: %s", e.PalletNumber, e.Code, e.Message)
	case realtime.InfoNotice:
		line = "ℹ️  " + e.Message
	default:
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, line)
	if len(n.lines) > 5 {
		n.lines = n.lines[len(n.lines)-5:]
	}
}

func (n *noticeLog) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.lines...)
}

func runDevice(cmd *cobra.Command, args []string) error {
	var ctx = context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DeviceID == "" {
		return fmt.Errorf("device id is required (--device-id or device_id)")
	}

	var (
		logger  = newLogger()
		notices = &noticeLog{}
		channel = newChannel(cfg, newDialer(cfg, realtime.NewMemoryHub()), cfg.DeviceID, logger)
		device  = tripsync.NewDevice(channel,
			tripsync.WithDeviceLogger(logger.With("component", "device")),
			tripsync.WithNoticeHandler(notices.record),
		)
	)

	fmt.Printf("Connecting to %s...\n", cfg.Hub.URL)
	if err := device.Start(ctx, cfg.Hub.URL); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	}
	defer device.Stop()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	keyCh, closeKeyboard, err := openKeyboard()
	if err != nil {
		return err
	}
	defer closeKeyboard()

	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var line lineEditor
	line.start("Pallet number")

	printDeviceStatus(cfg, device, channel, notices, &line)

	for {
		select {
		case <-ticker.C:
			printDeviceStatus(cfg, device, channel, notices, &line)
		case kp := <-keyCh:
			switch kp.key {
			case keyboard.KeyCtrlQ, keyboard.KeyCtrlC:
				fmt.Printf("\n\nShutting down...\n")
				return nil
			case keyboard.KeyCtrlR:
				if err := channel.Reconnect(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "\n❌ Failed to reconnect: %v\n", err)
				}
				device.RequestActiveTrip(ctx)
			case keyboard.KeyCtrlX:
				var number = strings.TrimSpace(string(line.buf))
				if number != "" {
					if err := device.RequestDelete(ctx, number, "requested from device"); err != nil {
						fmt.Fprintf(os.Stderr, "\n❌ %v\n", err)
					}
				}
				line.start("Pallet number")
			default:
				if input, done := line.feed(kp); done {
					if input = strings.ToUpper(strings.TrimSpace(input)); input != "" {
						if err := device.Submit(ctx, input); err != nil {
							fmt.Fprintf(os.Stderr, "\n❌ %v\n", err)
						}
					}
				}
				if !line.active() {
					line.start("Pallet number")
				}
			}
			printDeviceStatus(cfg, device, channel, notices, &line)
		case sig := <-sigCh:
			fmt.Printf("\n\n💥 Received signal %v, crashing immediately (no cleanup)...\n", sig)
			os.Exit(1)
		}
	}
}

func printDeviceStatus(cfg *config.Config, device *tripsync.Device, channel *realtime.Channel, notices *noticeLog, line *lineEditor) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Printf("Device %s\n", device.ID())
	fmt.Printf("  Hub: %s (%s)\n", cfg.Hub.URL, channel.State())

	if trip := device.TripKey(); trip == "" {
		fmt.Printf("\nWaiting for an operator to open a trip\n")
	} else {
		fmt.Printf("\nTrip %s\n", trip)
		printPallets(device.Pallets())
	}

	if lines := notices.snapshot(); len(lines) > 0 {
		fmt.Printf("\nNotices:\n")
		for _, l := range lines {
			fmt.Printf("  %s\n", l)
		}
	}

	fmt.Printf("\n%s\n", line)
	fmt.Printf("\nControls:\n")
	fmt.Printf("  [enter]  Submit pallet number\n")
	fmt.Printf("  [ctrl-x] Ask operator to delete the typed pallet\n")
	fmt.Printf("  [ctrl-r] Reconnect to hub\n")
	fmt.Printf("  [ctrl-q] Quit\n")
}

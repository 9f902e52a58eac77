package main

import (
	"context"
	"fmt"
	"time"

	tripsync "go-tripsync"
	"go-tripsync/clock"
	"go-tripsync/realtime"
	"go-tripsync/triplock"

	"github.com/spf13/cobra"
)

// runDemo plays one trip end to end: the operator opens it, two devices scan
// pallets and every device ends up with the same pallet list.
func runDemo(cmd *cobra.Command, args []string) error {
	var ctx = context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Hub.URL = "memory://demo"

	var (
		logger = newLogger()
		hub    = realtime.NewMemoryHub()
		dialer = newDialer(cfg, hub)
		trips  = tripsync.NewMemoryTrips(clock.New())
	)

	node, err := newOperatorNode(cfg, triplock.NewMemoryStore(), dialer, trips, logger)
	if err != nil {
		return err
	}
	if err := node.Start(ctx, cfg.Hub.URL); err != nil {
		return err
	}

	var devices []*tripsync.Device
	for _, id := range []string{"D1", "D2"} {
		var device = tripsync.NewDevice(newChannel(cfg, dialer, id, logger),
			tripsync.WithDeviceLogger(logger.With("component", "device", "device_id", id)),
			tripsync.WithNoticeHandler(func(ev realtime.Event) {
				fmt.Printf("  %s received %s\n", id, ev.EventName())
			}),
		)
		if err := device.Start(ctx, cfg.Hub.URL); err != nil {
			return err
		}
		defer device.Stop()
		devices = append(devices, device)
	}

	var tripKey = "DEMO-" + time.Now().Format("150405")
	fmt.Printf("Operator %s opens trip %s\n", node.Locks().OwnerID(), tripKey)
	if err := node.CreateTrip(ctx, tripKey); err != nil {
		return err
	}

	var scans = []struct {
		device *tripsync.Device
		pallet string
	}{
		{devices[0], "PLT-001"},
		{devices[1], "PLT-002"},
		{devices[0], "PLT-001"},
		{devices[1], "bad"},
	}
	for _, s := range scans {
		fmt.Printf("%s scans %s\n", s.device.ID(), s.pallet)
		if err := s.device.Submit(ctx, s.pallet); err != nil {
			return err
		}
	}

	var deadline = time.Now().Add(time.Duration(len(scans)+2) * (cfg.Queue.Pacing + time.Second))
	for time.Now().Before(deadline) && totalBoxes(devices[1].Pallets()) < 3 {
		time.Sleep(100 * time.Millisecond)
	}

	for _, device := range devices {
		fmt.Printf("\n%s sees trip %s:\n", device.ID(), device.TripKey())
		printPallets(device.Pallets())
	}

	fmt.Printf("\nFinalizing %s\n", tripKey)
	if err := node.FinalizeTrip(ctx); err != nil {
		return err
	}

	var stopCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return node.Stop(stopCtx)
}

func totalBoxes(pallets []realtime.Pallet) int {
	var total int
	for _, p := range pallets {
		total += p.Boxes
	}
	return total
}

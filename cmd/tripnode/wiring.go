package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	tripsync "go-tripsync"
	"go-tripsync/audit"
	"go-tripsync/config"
	"go-tripsync/realtime"
	"go-tripsync/s3store"
	"go-tripsync/scanqueue"
	"go-tripsync/triplock"

	_ "github.com/lib/pq"
)

// openStore builds the claim store named by cfg.Store.Driver. The returned
// closer releases the database handle, if any.
func openStore(ctx context.Context, cfg *config.Config) (triplock.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}

		store, err := triplock.NewSQLStore(db, cfg.Store.Postgres.Table)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	case config.DriverS3:
		var s3cfg = cfg.Store.S3
		store, err := s3store.NewFromEnvironment(ctx, s3cfg.Bucket, s3cfg.Prefix, s3cfg.Region, s3cfg.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	default:
		return triplock.NewMemoryStore(), func() {}, nil
	}
}

// newDialer routes memory:// to hub and every MQTT scheme to paho.
func newDialer(cfg *config.Config, hub *realtime.MemoryHub) realtime.Dialer {
	var mqttDialer = realtime.MQTTDialer{QoS: cfg.Hub.QoS}
	return realtime.SchemeDialer{
		"memory": hub,
		"tcp":    mqttDialer,
		"mqtt":   mqttDialer,
		"ssl":    mqttDialer,
		"tls":    mqttDialer,
		"ws":     mqttDialer,
		"wss":    mqttDialer,
	}
}

func newChannel(cfg *config.Config, dialer realtime.Dialer, clientID string, logger *slog.Logger) *realtime.Channel {
	var policy = realtime.DefaultReconnectPolicy()
	policy.MaxAttempts = cfg.Hub.ReconnectAttempts
	policy.Cap = cfg.Hub.ReconnectCap

	return realtime.NewChannel(dialer,
		realtime.WithClientID(clientID),
		realtime.WithTopicPrefix(cfg.Hub.TopicPrefix),
		realtime.WithReconnectPolicy(policy),
		realtime.WithHealthCheck(cfg.Hub.HealthInterval, cfg.Hub.HealthTimeout),
		realtime.WithLogger(logger.With("component", "realtime")),
	)
}

// newOperatorNode assembles the coordinator, channel, queue and optional
// audit trail into a Node.
func newOperatorNode(cfg *config.Config, store triplock.Store, dialer realtime.Dialer, trips tripsync.TripService,
	logger *slog.Logger, nodeOpts ...tripsync.Option) (*tripsync.Node, error) {
	var lockOpts = []triplock.Option{
		triplock.WithOwnerID(cfg.OwnerID),
		triplock.WithStaleThreshold(cfg.Locks.StaleThreshold),
		triplock.WithHeartbeatInterval(cfg.Locks.HeartbeatInterval),
		triplock.WithLogger(logger.With("component", "triplock")),
	}

	var opts = append([]tripsync.Option{
		tripsync.WithLogger(logger.With("component", "node")),
		tripsync.WithDeviceRateLimit(cfg.Devices.RatePerSecond, cfg.Devices.Burst),
	}, nodeOpts...)

	if len(cfg.Audit.Brokers) > 0 {
		publisher, err := audit.NewPublisher(cfg.Audit.Brokers, cfg.Audit.Topic)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit publisher: %w", err)
		}
		lockOpts = append(lockOpts, triplock.WithObserver(tripsync.LockAuditObserver(publisher, logger)))
		opts = append(opts, tripsync.WithAudit(publisher))
	}

	var (
		locks = triplock.NewCoordinator(store, lockOpts...)
		queue = scanqueue.New(
			scanqueue.WithPacing(cfg.Queue.Pacing),
			scanqueue.WithMaxDepth(cfg.Queue.MaxDepth),
			scanqueue.WithLogger(logger.With("component", "scanqueue")),
		)
		clientID = "operator-" + locks.OwnerID()
	)

	return tripsync.NewNode(locks, newChannel(cfg, dialer, clientID, logger), queue, trips, opts...), nil
}

package tripsync

import (
	"context"
	"fmt"
	"log/slog"

	"go-tripsync/audit"
	"go-tripsync/triplock"
)

// LockAuditObserver turns lock coordinator events into audit records. Pass it
// to triplock.WithObserver to audit sweeps and lost heartbeats, which happen
// on the coordinator's own loops rather than through Node actions.
func LockAuditObserver(a Auditor, logger *slog.Logger) func(triplock.Event) {
	return func(ev triplock.Event) {
		var rec = audit.Record{TripKey: ev.TripKey, OwnerID: ev.OwnerID, At: ev.At}

		switch ev.Kind {
		case triplock.EventSwept:
			rec.Kind = audit.KindClaimsSwept
			rec.Detail = fmt.Sprintf("%d stale claims cleared", ev.Count)
		case triplock.EventHeartbeatLost:
			rec.Kind = audit.KindTripReleased
			rec.Detail = "heartbeat lost"
		default:
			// Claims and releases are audited by the Node that caused them
			return
		}

		var ctx, cancel = context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()

		if err := a.Publish(ctx, rec); err != nil && logger != nil {
			logger.Warn("failed to publish audit record", "kind", rec.Kind, "error", err)
		}
	}
}

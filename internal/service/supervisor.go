package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/overmesh/noded/internal/events"
)

// collisionBackupName is where the colliding secret identity is saved
// before rotation.
const collisionBackupName = "identity.secret.saved_after_collision"

// RunSupervised runs the service, restarting it from scratch after an
// identity collision: the colliding secret identity is saved aside, both
// identity files are removed so the engine mints a fresh identity, a
// collision event is emitted, and a new service instance starts. Other
// termination reasons end the loop. Returns the final reason.
func RunSupervised(ctx context.Context, opts Options) TermReason {
	logger := opts.Logger.With(slog.String("component", "supervisor"))

	var reason TermReason
	for {
		svc := New(opts)

		// Allow external cancellation to reach the service loop.
		stop := context.AfterFunc(ctx, svc.Terminate)
		reason = svc.Run(ctx)
		stop()

		switch reason {
		case StillRunning, NormalTermination:
			opts.Sink.Enqueue(events.NodeNormalTermination, nil)

		case UnrecoverableError:
			logger.Error("service terminated with unrecoverable error",
				slog.String("error", svc.FatalErrorMessage()),
			)
			opts.Sink.Enqueue(events.NodeUnrecoverableError, nil)

		case IdentityCollision:
			if err := rotateIdentity(opts.Home); err != nil {
				logger.Error("identity rotation failed",
					slog.String("error", err.Error()),
				)
			}
			opts.Sink.Enqueue(events.NodeIdentityCollision, nil)
			logger.Warn("identity collision, restarting with fresh identity")
			if ctx.Err() == nil {
				continue
			}
		}
		break
	}

	opts.Sink.Enqueue(events.NodeDown, nil)
	return reason
}

// rotateIdentity saves the current secret identity aside and removes both
// identity files so the next service run mints a new identity.
func rotateIdentity(home string) error {
	secretPath := filepath.Join(home, "identity.secret")
	publicPath := filepath.Join(home, "identity.public")

	old, err := os.ReadFile(secretPath)
	if err != nil {
		return fmt.Errorf("read colliding identity: %w", err)
	}
	if len(old) > 0 {
		backup := filepath.Join(home, collisionBackupName)
		if err := os.WriteFile(backup, old, 0o600); err != nil {
			return fmt.Errorf("save colliding identity: %w", err)
		}
		if err := os.Remove(secretPath); err != nil {
			return fmt.Errorf("remove identity.secret: %w", err)
		}
		if err := os.Remove(publicPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove identity.public: %w", err)
		}
	}
	return nil
}

package accountws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/fleetlink/fleetlink/pkg/errdefs"
	"github.com/fleetlink/fleetlink/pkg/metrics"
)

// armMigrationTimer schedules the next routine migration, replacing any
// prior timer.
func (i *Instance) armMigrationTimer(after time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed {
		return
	}
	if i.migrationTimer != nil {
		i.migrationTimer.Stop()
	}
	i.migrationTimer = i.clock.AfterFunc(after, func() {
		i.migrate()
	})
}

// migrate rotates the instance onto a fresh socket using a server-issued
// migration token. The platform expires sockets after roughly two hours;
// migrating ahead of that keeps subscription state server-side instead of
// paying for a full resubscribe.
func (i *Instance) migrate() {
	i.rotation.Lock()
	defer i.rotation.Unlock()

	// With the rotation lock held the gate is always open here; any prior
	// migration or recovery reopened it before releasing the lock.
	if err := i.halted.Wait(i.ctx); err != nil {
		return
	}

	oldSock, err := i.current()
	if err != nil {
		return
	}

	resp, err := i.send(i.ctx, oldSock, http.MethodGet, "migrate", nil)
	if err != nil {
		i.logger.Error().Err(err).
			Dur("retry_in", i.cfg.WebSocketMigrationRetryDelay).
			Msg("migration token request failed")
		metrics.SocketMigrationsTotal.WithLabelValues("token_failed").Inc()
		i.armMigrationTimer(i.cfg.WebSocketMigrationRetryDelay)
		return
	}

	var grant struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Content, &grant); err != nil || grant.Token == "" {
		i.logger.Error().Err(err).Msg("migration token response malformed")
		metrics.SocketMigrationsTotal.WithLabelValues("token_failed").Inc()
		i.armMigrationTimer(i.cfg.WebSocketMigrationRetryDelay)
		return
	}

	// Halt all non-migration traffic for the handover.
	i.halted.Close()

	i.mu.Lock()
	i.migrationID++
	migrationID := i.migrationID
	i.migrateCh = make(chan *frame, 1)
	i.mu.Unlock()

	newSock, err := i.presentMigration(grant.Token)
	if err != nil {
		i.mu.Lock()
		i.migrateCh = nil
		i.mu.Unlock()

		i.logger.Error().Err(err).Int64("migration_id", migrationID).Msg("migration aborted")
		metrics.SocketMigrationsTotal.WithLabelValues("aborted").Inc()
		// The old socket stays current. Server-side subscription state is
		// unreliable after a failed handshake, so run a full recovery
		// rather than retrying the migration.
		i.recoverLocked()
		return
	}

	i.mu.Lock()
	i.migrateCh = nil
	i.sock = newSock
	i.mu.Unlock()

	go i.pingLoop(newSock)
	i.halted.Open()

	metrics.SocketMigrationsTotal.WithLabelValues("completed").Inc()
	i.logger.Info().Int64("migration_id", migrationID).Msg("account socket migrated")

	// Let in-flight responses drain on the old socket before closing it.
	i.clock.AfterFunc(i.cfg.WebSocketMigrationHandoverPeriod, func() {
		oldSock.close(CloseMigrationCompleted, "migration completed")
	})

	i.armMigrationTimer(i.cfg.WebSocketMigrationInterval)
}

// presentMigration opens the new socket and presents the migration token
// on it. The handshake response is not reliably correlated by id, so
// success is detected on the raw migrate channel.
func (i *Instance) presentMigration(token string) (*socket, error) {
	newSock, err := i.dial(i.ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrMigrationAborted, err)
	}

	// The new socket's reader must run to receive the handshake response.
	go i.readLoop(newSock)

	bearer, err := i.tokens.Current()
	if err != nil {
		newSock.close(CloseMigrationAborted, "migration aborted")
		return nil, fmt.Errorf("%w: %v", errdefs.ErrMigrationAborted, err)
	}

	i.mu.Lock()
	i.messageID++
	id := i.messageID
	migrateCh := i.migrateCh
	i.mu.Unlock()

	req := request{
		Method:        http.MethodPost,
		Path:          "migrate",
		Authorization: "Bearer " + bearer.Bearer,
		ID:            id,
	}
	req.Content, err = encodeContent(map[string]string{"token": token})
	if err != nil {
		newSock.close(CloseMigrationAborted, "migration aborted")
		return nil, fmt.Errorf("%w: %v", errdefs.ErrMigrationAborted, err)
	}
	if err := i.writeJSON(newSock, req); err != nil {
		newSock.close(CloseMigrationAborted, "migration aborted")
		return nil, fmt.Errorf("%w: %v", errdefs.ErrMigrationAborted, err)
	}

	select {
	case f := <-migrateCh:
		if f.ResponseCode != http.StatusOK {
			newSock.close(CloseMigrationAborted, "migration aborted")
			return nil, fmt.Errorf("%w: handshake returned %d", errdefs.ErrMigrationAborted, f.ResponseCode)
		}
		return newSock, nil
	case <-newSock.done:
		return nil, fmt.Errorf("%w: new socket closed during handshake", errdefs.ErrMigrationAborted)
	case <-i.clock.After(i.cfg.WebSocketRecoveryTimeout):
		newSock.close(CloseMigrationAborted, "migration aborted")
		return nil, fmt.Errorf("%w: handshake timed out", errdefs.ErrMigrationAborted)
	case <-i.ctx.Done():
		newSock.close(CloseMigrationAborted, "migration aborted")
		return nil, errdefs.ErrClosed
	}
}

// recover rebuilds the instance after an abnormal close. The rotation
// lock keeps concurrent rebuilds (a second abnormal close, or an
// overlapping migration) strictly sequential.
func (i *Instance) recover() {
	i.rotation.Lock()
	defer i.rotation.Unlock()
	i.recoverLocked()
}

// recoverLocked rebuilds the instance: fresh socket, then a full
// resubscribe of the snapshot. It retries indefinitely and only returns
// when the instance is healthy or disposed. Callers hold i.rotation.
func (i *Instance) recoverLocked() {
	metrics.SocketRecoveriesTotal.Inc()

	for {
		i.halted.Close()

		i.mu.Lock()
		if i.disposed {
			i.mu.Unlock()
			return
		}
		snapshot := i.subs
		i.subs = make(map[string]EventHandler, len(snapshot))
		i.migrationID++
		old := i.sock
		i.sock = nil
		i.mu.Unlock()

		if old != nil && !old.isExpected() {
			select {
			case <-old.done:
				// Already torn down by its read loop.
			default:
				old.close(websocket.CloseNormalClosure, "recovering")
				metrics.AccountSocketsOpen.Dec()
			}
		}

		sock, err := i.dial(i.ctx)
		if err != nil {
			i.restoreSnapshot(snapshot)
			i.logger.Error().Err(err).
				Dur("retry_in", i.cfg.WebSocketRecoveryRetryDelay).
				Msg("recovery dial failed")
			if !i.sleepRecovery() {
				return
			}
			continue
		}

		i.mu.Lock()
		i.sock = sock
		i.mu.Unlock()
		go i.readLoop(sock)
		go i.pingLoop(sock)
		metrics.AccountSocketsOpen.Inc()

		// Resubscribe RPCs themselves must pass the gate.
		i.halted.Open()

		if err := i.resubscribe(snapshot); err != nil {
			// Server-side state is suspect until the next round succeeds;
			// halt regular traffic through the retry wait too.
			i.halted.Close()
			i.restoreSnapshot(snapshot)
			i.logger.Error().Err(err).
				Dur("retry_in", i.cfg.WebSocketRecoveryRetryDelay).
				Msg("recovery resubscribe failed")
			if !i.sleepRecovery() {
				return
			}
			continue
		}

		i.armMigrationTimer(i.cfg.WebSocketMigrationInterval)
		i.logger.Info().Int("subscriptions", len(snapshot)).Msg("account socket recovered")
		return
	}
}

// resubscribe re-posts every snapshot entry with bounded concurrency,
// racing the aggregate against the recovery timeout.
func (i *Instance) resubscribe(snapshot map[string]EventHandler) error {
	ctx, cancel := context.WithTimeout(i.ctx, i.cfg.WebSocketRecoveryTimeout)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(i.cfg.MaxWorkerConcurrency)

	for sub, handler := range snapshot {
		event, key, ok := splitSubscriptionKey(sub)
		if !ok {
			continue
		}
		sub := sub
		handler := handler
		group.Go(func() error {
			if _, err := i.Subscribe(gctx, event, key, handler); err != nil {
				return fmt.Errorf("%w: %s: %v", errdefs.ErrRecoveryFailed, sub, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (i *Instance) restoreSnapshot(snapshot map[string]EventHandler) {
	i.mu.Lock()
	i.subs = snapshot
	i.mu.Unlock()
}

// sleepRecovery waits the recovery retry delay; false means the instance
// was disposed meanwhile.
func (i *Instance) sleepRecovery() bool {
	select {
	case <-i.clock.After(i.cfg.WebSocketRecoveryRetryDelay):
		return true
	case <-i.ctx.Done():
		return false
	}
}

// Dispose tears the instance down: cancels timers, rejects pending RPCs,
// and closes the live socket with a normal close. Idempotent.
func (i *Instance) Dispose() {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return
	}
	i.disposed = true
	sock := i.sock
	i.sock = nil
	if i.migrationTimer != nil {
		i.migrationTimer.Stop()
		i.migrationTimer = nil
	}
	i.subs = make(map[string]EventHandler)
	i.mu.Unlock()

	i.cancel()
	if sock != nil {
		select {
		case <-sock.done:
		default:
			sock.close(websocket.CloseNormalClosure, "disposed")
			metrics.AccountSocketsOpen.Dec()
		}
	}
	i.logger.Info().Msg("account socket disposed")
}

func splitSubscriptionKey(sub string) (event, key string, ok bool) {
	for idx := 0; idx < len(sub); idx++ {
		if sub[idx] == '/' {
			return sub[:idx], sub[idx+1:], true
		}
	}
	return "", "", false
}

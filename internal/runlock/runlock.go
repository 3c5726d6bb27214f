// Package runlock provides a Redis-backed mutual-exclusion lease per run id,
// guaranteeing at-most-one active worker advancing a given run at a time.
package runlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultTTL is the lease duration applied per acquisition, per spec §5:
// longer than typical handler work, shorter than the worst-case step
// timeout, so a dead worker's lock eventually expires.
const DefaultTTL = 60 * time.Second

// ErrNotHeld is returned by Release/Renew when the caller's token no longer
// matches the lock holder — the lease already expired or was taken over.
var ErrNotHeld = errors.New("runlock: lease not held")

// Manager acquires and releases run-scoped leases against Redis via
// SET NX EX / a token-checked DEL, following the teacher's own
// redis.UniversalClient usage in its queue trigger.
type Manager struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewManager(client redis.UniversalClient, logger *slog.Logger) *Manager {
	return &Manager{
		client: client,
		logger: logger.With("module", "runlock"),
	}
}

func lockKey(runID string) string {
	return "lock:run:" + runID
}

// Lease is the token returned by a successful Acquire; it must be presented
// to Release or Renew so a caller can never release a lease it doesn't hold.
type Lease struct {
	runID string
	token string
}

// Acquire attempts a set-if-not-exists lock with the given TTL. ok=false
// means someone else holds the lease; the caller must not touch run state.
func (m *Manager) Acquire(ctx context.Context, runID string, ttl time.Duration) (*Lease, bool, error) {
	token, err := randomToken()
	if err != nil {
		return nil, false, err
	}

	acquired, err := m.client.SetNX(ctx, lockKey(runID), token, ttl).Result()
	if err != nil {
		return nil, false, err
	}

	if !acquired {
		return nil, false, nil
	}

	return &Lease{runID: runID, token: token}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Release drops the lease, but only if the caller still holds it —
// compare-and-delete via a Lua script to avoid releasing a lease that has
// since expired and been reacquired by another worker.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	n, err := releaseScript.Run(ctx, m.client, []string{lockKey(lease.runID)}, lease.token).Int()
	if err != nil {
		return err
	}

	if n == 0 {
		m.logger.WarnContext(ctx, "lease already expired at release", "runId", lease.runID)

		return ErrNotHeld
	}

	return nil
}

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Renew extends the lease's TTL for long-running steps whose effective
// timeout exceeds DefaultTTL, per spec §5's lock-lease-renewal recommendation.
func (m *Manager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, m.client, []string{lockKey(lease.runID)}, lease.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}

	if n == 0 {
		return ErrNotHeld
	}

	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}

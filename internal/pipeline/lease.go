package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only if the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the lease only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// ErrLeaseLost indicates the lease expired or was taken over before a
// renew. The holder must stop treating its run as exclusive.
var ErrLeaseLost = errors.New("ingestion lease lost")

// Lease grants exclusive ingestion of one (document_id, version).
// Ownership is a token compared on renew and release, so a stale
// holder can never clobber a successor's lease.
type Lease struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLease creates a lease manager with the given time-to-live.
func NewLease(rdb *redis.Client, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, ttl: ttl}
}

func leaseKey(documentID string, version int) string {
	return fmt.Sprintf("docuchat:lease:ingest:%s:%d", documentID, version)
}

// TTL returns the configured lease time-to-live.
func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire takes the lease for owner. It returns ErrLockContention when
// another owner already holds it.
func (l *Lease) Acquire(ctx context.Context, documentID string, version int, owner string) error {
	ok, err := l.rdb.SetNX(ctx, leaseKey(documentID, version), owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquiring lease for %s v%d: %w", documentID, version, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s v%d", ErrLockContention, documentID, version)
	}
	return nil
}

// Renew extends the lease while owner still holds it.
func (l *Lease) Renew(ctx context.Context, documentID string, version int, owner string) error {
	res, err := renewScript.Run(ctx, l.rdb,
		[]string{leaseKey(documentID, version)}, owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renewing lease for %s v%d: %w", documentID, version, err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s v%d", ErrLeaseLost, documentID, version)
	}
	return nil
}

// Release drops the lease if owner still holds it. Releasing a lease
// that already expired is not an error.
func (l *Lease) Release(ctx context.Context, documentID string, version int, owner string) error {
	if _, err := releaseScript.Run(ctx, l.rdb,
		[]string{leaseKey(documentID, version)}, owner).Int(); err != nil {
		return fmt.Errorf("releasing lease for %s v%d: %w", documentID, version, err)
	}
	return nil
}

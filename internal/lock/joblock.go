package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long an orphaned lock entry can block a tenant
// after a crashed scan never released it.
const DefaultTTL = 90 * time.Minute

// JobLock prevents two scans touching overlapping regions of the same
// tenant from running concurrently. Entries live in a Redis hash per
// customer tenant, keyed by job id; each value carries its own expiry so stale
// entries go inert without a liveness protocol. The lock is advisory:
// Acquire performs the region check and the write in one Lua script, so
// two concurrent acquires for overlapping regions cannot both succeed.
type JobLock struct {
	client   *redis.Client
	ttl      time.Duration
	disabled bool
	now      func() time.Time
}

type entry struct {
	ExpiresAt int64    `json:"expires_at"`
	Regions   []string `json:"regions"`
}

// New builds a JobLock. A zero ttl falls back to DefaultTTL. When
// disabled is set every check reports unlocked and acquires are
// recorded but never block (degraded/test environments).
func New(client *redis.Client, ttl time.Duration, disabled bool) *JobLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &JobLock{
		client:   client,
		ttl:      ttl,
		disabled: disabled,
		now:      time.Now,
	}
}

// Tenant names are only unique within a customer, so the key carries
// both halves of the identity.
func tenantKey(customer, tenant string) string {
	return "scanlock:" + customer + ":" + tenant
}

// Holder returns the job id currently locking any of the given regions
// for the customer's tenant, if one exists. Expired and undecodable
// entries are ignored; a poisoned entry must not wedge the tenant.
func (l *JobLock) Holder(ctx context.Context, customer, tenant string, regions []string) (string, bool, error) {
	if l.disabled {
		return "", false, nil
	}
	stored, err := l.client.HGetAll(ctx, tenantKey(customer, tenant)).Result()
	if err != nil {
		return "", false, fmt.Errorf("read lock entries: %w", err)
	}
	now := l.now().Unix()
	for jobID, raw := range stored {
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			log.Printf("lock: skipping undecodable entry tenant=%s job=%s: %v", tenant, jobID, err)
			continue
		}
		if e.ExpiresAt <= now {
			continue
		}
		if intersects(e.Regions, regions) {
			return jobID, true, nil
		}
	}
	return "", false, nil
}

// acquireScript checks every unexpired entry for a region overlap and,
// finding none, writes the new entry. Returns the conflicting job id or
// an empty string. Undecodable values are skipped, mirroring Holder.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local stored = redis.call('HGETALL', KEYS[1])
for i = 1, #stored, 2 do
  local ok, e = pcall(cjson.decode, stored[i+1])
  if ok and type(e) == 'table' and tonumber(e.expires_at) and tonumber(e.expires_at) > now then
    for _, held in ipairs(e.regions or {}) do
      for j = 4, #ARGV do
        if held == ARGV[j] then
          return stored[i]
        end
      end
    end
  end
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
return ''
`)

// Acquire atomically claims the given regions for jobID. It returns the
// id of the job holding a conflicting lock, or an empty string when the
// claim succeeded. A zero ttl uses the lock's default.
func (l *JobLock) Acquire(ctx context.Context, customer, tenant, jobID string, regions []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	e := entry{
		ExpiresAt: l.now().Add(ttl).Unix(),
		Regions:   regions,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode lock entry: %w", err)
	}
	if l.disabled {
		// Record the claim so Release stays symmetric, but never block.
		if err := l.client.HSet(ctx, tenantKey(customer, tenant), jobID, raw).Err(); err != nil {
			return "", fmt.Errorf("write lock entry: %w", err)
		}
		return "", nil
	}
	args := make([]any, 0, len(regions)+3)
	args = append(args, l.now().Unix(), jobID, string(raw))
	for _, r := range regions {
		args = append(args, r)
	}
	res, err := acquireScript.Run(ctx, l.client, []string{tenantKey(customer, tenant)}, args...).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	holder, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from acquire script: %T", res)
	}
	return holder, nil
}

// Release drops the entry for jobID. Releasing a lock that was never
// held, or was already released, is a no-op.
func (l *JobLock) Release(ctx context.Context, customer, tenant, jobID string) error {
	if err := l.client.HDel(ctx, tenantKey(customer, tenant), jobID).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

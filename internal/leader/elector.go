// Package leader elects a single active scheduler replica through a
// Redis lease. Followers keep their live tables warm but never fire.
package leader

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only while we still hold it.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Elector competes for a Redis key lease.
type Elector struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
	leader atomic.Bool
}

// New builds an elector. id must be unique per replica, typically
// hostname plus pid.
func New(client *redis.Client, key, id string, ttl time.Duration) *Elector {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Elector{client: client, key: key, id: id, ttl: ttl}
}

// IsLeader reports whether this replica currently holds the lease.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run competes for the lease until the context ends, renewing at a
// third of the TTL. Losing the lease flips IsLeader without stopping
// the loop; the replica keeps campaigning.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()
	defer e.resign()

	for {
		e.campaign(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Elector) campaign(ctx context.Context) {
	if e.leader.Load() {
		ok, err := renewScript.Run(ctx, e.client, []string{e.key}, e.id, e.ttl.Milliseconds()).Int()
		if err != nil || ok == 0 {
			e.leader.Store(false)
			log.Printf("leader: lost lease on %s", e.key)
		}
		return
	}
	acquired, err := e.client.SetNX(ctx, e.key, e.id, e.ttl).Result()
	if err != nil {
		return
	}
	if acquired {
		e.leader.Store(true)
		log.Printf("leader: acquired lease on %s", e.key)
	}
}

// resign releases the lease on shutdown so a follower can take over
// immediately instead of waiting out the TTL.
func (e *Elector) resign() {
	if !e.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if held, err := e.client.Get(ctx, e.key).Result(); err == nil && held == e.id {
		e.client.Del(ctx, e.key)
	}
	e.leader.Store(false)
}

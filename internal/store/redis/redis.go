package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/propdesk/otpd/internal/store"
	"github.com/propdesk/otpd/pkg/models"
	"github.com/redis/go-redis/v9"
)

const sweepBatch = 500

// Redis implements a Redis Store.
//
// Layout, under KeyPrefix:
//
//	rec:{id}                  hash with the record fields and its index key
//	idx:{tenant}:{identity}   sorted set of record IDs scored by creation sequence
//	exp                       sorted set of all record IDs scored by expiry (unix µs, rounded up)
//	seq                       creation sequence counter
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	PoolSize  int           `json:"pool_size"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
	// If this is set, 'issue' and 'verify' events will be PUBLISHed to
	// to this Redis key (Redis PubSub).
	PublishKey string `json:"publish_key"`
}

type event struct {
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id"`
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
}

// hashRecord is the on-wire shape of a record hash.
type hashRecord struct {
	Identity      string `redis:"identity"`
	TenantID      string `redis:"tenant_id"`
	CodeHash      string `redis:"code_hash"`
	Attempts      int    `redis:"attempts"`
	CreatedAt     int64  `redis:"created_at"`
	ExpiresAt     int64  `redis:"expires_at"`
	SourceAddress string `redis:"source_address"`
	Index         string `redis:"idx"`
}

var (
	// Returns -1 if the record doesn't exist.
	incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

	// Returns -1 if the record doesn't exist, 0 if it's locked and 1 on delete.
	// With ARGV[4] set, every older record of the same identity goes with it.
	// The event in ARGV[6] is published to ARGV[5] after the delete, if set.
	consumeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'attempts', 'idx')
if not v[1] then
	return -1
end
if tonumber(ARGV[1]) >= 0 and tonumber(v[1]) >= tonumber(ARGV[1]) then
	return 0
end
local ids = {ARGV[2]}
if ARGV[4] == '1' then
	local seq = redis.call('ZSCORE', v[2], ARGV[2])
	if seq then
		ids = redis.call('ZRANGEBYSCORE', v[2], '-inf', seq)
	end
end
for _, id in ipairs(ids) do
	redis.call('DEL', ARGV[3] .. id)
	redis.call('ZREM', v[2], id)
	redis.call('ZREM', KEYS[2], id)
end
if ARGV[5] ~= '' then
	redis.call('PUBLISH', ARGV[5], ARGV[6])
end
return 1
`)

	sweepScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	local k = ARGV[3] .. id
	local idx = redis.call('HGET', k, 'idx')
	if idx then
		redis.call('ZREM', idx, id)
	end
	redis.call('DEL', k)
	redis.call('ZREM', KEYS[1], id)
end
return #ids
`)
)

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTP"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Create persists a new record. The creation sequence is taken before the
// write so that concurrent creates for one identity are strictly ordered.
func (r *Redis) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	seq, err := r.client.Incr(ctx, r.key("seq")).Result()
	if err != nil {
		return rec, err
	}

	rec.ID = uuid.NewString()
	var (
		key = r.recKey(rec.ID)
		idx = r.idxKey(rec.TenantID, rec.Identity)
	)

	ev, err := r.event("issue", rec)
	if err != nil {
		return rec, err
	}

	// Published in the same transaction as the write.
	pipe := r.client.TxPipeline()
	pipe.HMSet(ctx, key,
		"identity", rec.Identity,
		"tenant_id", rec.TenantID,
		"code_hash", rec.CodeHash,
		"attempts", rec.Attempts,
		"created_at", rec.CreatedAt.UnixNano(),
		"expires_at", rec.ExpiresAt.UnixNano(),
		"source_address", rec.SourceAddress,
		"idx", idx)
	pipe.ZAdd(ctx, idx, redis.Z{Score: float64(seq), Member: rec.ID})
	pipe.ZAdd(ctx, r.key("exp"), redis.Z{Score: float64(expiryScore(rec.ExpiresAt)), Member: rec.ID})
	if ev != nil {
		pipe.Publish(ctx, r.conf.PublishKey, ev)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return rec, err
	}

	return rec, nil
}

// Latest returns the most recently created record for an identity.
func (r *Redis) Latest(ctx context.Context, tenantID, identity string) (models.Record, error) {
	ids, err := r.client.ZRevRange(ctx, r.idxKey(tenantID, identity), 0, 0).Result()
	if err != nil {
		return models.Record{}, err
	}
	if len(ids) == 0 {
		return models.Record{}, store.ErrNotExist
	}

	return r.get(ctx, ids[0])
}

// IncrAttempts atomically increments the attempt counter.
func (r *Redis) IncrAttempts(ctx context.Context, id string) (int, error) {
	n, err := incrScript.Run(ctx, r.client, []string{r.recKey(id)}).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, store.ErrNotExist
	}
	return n, nil
}

// Consume deletes a record only if it is below the attempt ceiling, along
// with every older record of the same identity.
func (r *Redis) Consume(ctx context.Context, id string, maxAttempts int) error {
	if r.conf.PublishKey == "" {
		return r.remove(ctx, id, maxAttempts, true, nil)
	}

	// Fetch the record before it's gone to publish it.
	rec, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	ev, err := r.event("verify", rec)
	if err != nil {
		return err
	}
	return r.remove(ctx, id, maxAttempts, true, ev)
}

// Delete deletes the record saved against a given ID.
func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.remove(ctx, id, -1, false, nil)
}

// DeleteExpired deletes all records with expiresAt <= now in batches.
func (r *Redis) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		n, err := sweepScript.Run(ctx, r.client, []string{r.key("exp")},
			now.UnixMicro(), sweepBatch, r.key("rec")+":").Int()
		if err != nil {
			return total, err
		}
		total += n
		if n < sweepBatch {
			return total, nil
		}
	}
}

func (r *Redis) remove(ctx context.Context, id string, maxAttempts int, older bool, ev []byte) error {
	cascade := "0"
	if older {
		cascade = "1"
	}
	var pubKey string
	if ev != nil {
		pubKey = r.conf.PublishKey
	}

	res, err := consumeScript.Run(ctx, r.client,
		[]string{r.recKey(id), r.key("exp")},
		maxAttempts, id, r.key("rec")+":", cascade, pubKey, ev).Int()
	if err != nil {
		return err
	}

	switch res {
	case -1:
		return store.ErrNotExist
	case 0:
		return store.ErrLocked
	}
	return nil
}

// expiryScore rounds t up to the microsecond so that the sweep never
// matches a record before its expiry instant.
func expiryScore(t time.Time) int64 {
	us := t.UnixMicro()
	if t.Sub(time.UnixMicro(us)) > 0 {
		us++
	}
	return us
}

// get retrieves a record hash by ID.
func (r *Redis) get(ctx context.Context, id string) (models.Record, error) {
	var h hashRecord
	res := r.client.HGetAll(ctx, r.recKey(id))
	if err := res.Err(); err != nil {
		return models.Record{}, err
	}
	// Doesn't exist?
	if len(res.Val()) == 0 {
		return models.Record{}, store.ErrNotExist
	}
	if err := res.Scan(&h); err != nil {
		return models.Record{}, err
	}

	return models.Record{
		ID:            id,
		Identity:      h.Identity,
		TenantID:      h.TenantID,
		CodeHash:      h.CodeHash,
		Attempts:      h.Attempts,
		CreatedAt:     time.Unix(0, h.CreatedAt).UTC(),
		ExpiresAt:     time.Unix(0, h.ExpiresAt).UTC(),
		SourceAddress: h.SourceAddress,
	}, nil
}

// event encodes a PubSub event for a record. It returns nil if no
// PublishKey is configured. The code hash is never published.
func (r *Redis) event(typ string, rec models.Record) ([]byte, error) {
	if r.conf.PublishKey == "" {
		return nil, nil
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	e, err := json.Marshal(event{
		Type:     typ,
		TenantID: rec.TenantID,
		ID:       rec.ID,
		Data:     json.RawMessage(b),
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding %s event: %w", typ, err)
	}
	return e, nil
}

func (r *Redis) key(parts ...string) string {
	k := r.conf.KeyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) recKey(id string) string {
	return r.key("rec", id)
}

// idxKey quotes the identity so that a ':' in it can't collide with
// another tenant's key.
func (r *Redis) idxKey(tenantID, identity string) string {
	return r.key("idx", strconv.Quote(tenantID), strconv.Quote(identity))
}

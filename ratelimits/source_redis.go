package ratelimits

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisSource implements Source.
var _ Source = (*RedisSource)(nil)

// bucketHashFields names the hash fields a bucket key stores its
// BucketState scalars under, plus the version tag conditional writes
// guard on.
const (
	fieldTokensMilli       = "tokens_milli"
	fieldLastRefillMs      = "last_refill_ms"
	fieldCapacityMilli     = "capacity_milli"
	fieldBurstMilli        = "burst_milli"
	fieldRefillAmountMilli = "refill_amount_milli"
	fieldRefillPeriodMs    = "refill_period_ms"
	fieldVersion           = "version"
)

// putBucketNewScript creates a bucket hash iff it does not already exist,
// initializing version to 1 (the version the first UpdateBucket call must
// present as ExpectedVersion). Returns 0 if the key already existed, 1 on
// success.
const putBucketNewScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HMSET', KEYS[1],
  'tokens_milli', ARGV[1], 'last_refill_ms', ARGV[2], 'capacity_milli', ARGV[3],
  'burst_milli', ARGV[4], 'refill_amount_milli', ARGV[5], 'refill_period_ms', ARGV[6],
  'version', 1)
return 1
`

// updateBucketScript conditionally replaces a bucket hash's state fields,
// guarded by ARGV[7] matching the stored version field exactly. Returns
// -1 if the key does not exist, 0 on a version mismatch, 1 on success
// (leaving the stored version at ARGV[7]+1).
const updateBucketScript = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur == false then
  return -1
end
if tonumber(cur) ~= tonumber(ARGV[7]) then
  return 0
end
redis.call('HMSET', KEYS[1],
  'tokens_milli', ARGV[1], 'last_refill_ms', ARGV[2], 'capacity_milli', ARGV[3],
  'burst_milli', ARGV[4], 'refill_amount_milli', ARGV[5], 'refill_period_ms', ARGV[6],
  'version', tonumber(ARGV[7]) + 1)
return 1
`

// transactUpdateScript applies up to maxTransactItems bucket writes
// atomically: either every key's precondition holds (ExpectedVersion == 0
// means "must not exist", otherwise "must match exactly") or nothing is
// written. ARGV is
// packed 7-per-key: tokens_milli, last_refill_ms, capacity_milli,
// burst_milli, refill_amount_milli, refill_period_ms, expected_version.
// Returns -1 if an update-mode key is missing, 0 on any precondition
// failure, 1 on success.
const transactUpdateScript = `
local n = #KEYS
for i = 1, n do
  local base = (i - 1) * 7
  local expected = tonumber(ARGV[base + 7])
  local exists = redis.call('EXISTS', KEYS[i])
  if expected == 0 then
    if exists == 1 then
      return 0
    end
  else
    if exists == 0 then
      return -1
    end
    local cur = tonumber(redis.call('HGET', KEYS[i], 'version'))
    if cur ~= expected then
      return 0
    end
  end
end
for i = 1, n do
  local base = (i - 1) * 7
  local expected = tonumber(ARGV[base + 7])
  redis.call('HMSET', KEYS[i],
    'tokens_milli', ARGV[base + 1], 'last_refill_ms', ARGV[base + 2], 'capacity_milli', ARGV[base + 3],
    'burst_milli', ARGV[base + 4], 'refill_amount_milli', ARGV[base + 5], 'refill_period_ms', ARGV[base + 6],
    'version', expected + 1)
end
return 1
`

// RedisSource is a Source backed by sharded Redis, generalizing the
// teacher's TAT-per-key RedisSource into a hash-per-bucket store with
// Lua-scripted conditional and transactional writes, plus a plain
// key/value layer for ConfigRecord and EntityRecord.
type RedisSource struct {
	client  redis.Cmdable
	clk     clock.Clock
	latency *prometheus.HistogramVec

	putBucketNew   *redis.Script
	updateBucket   *redis.Script
	transactBucket *redis.Script
}

// NewRedisSource returns a new Redis-backed Source. client may be a
// *redis.Ring (sharded production deployment, as the teacher used) or a
// *redis.Client (single instance, as miniredis presents in tests).
func NewRedisSource(client redis.Cmdable, clk clock.Clock, stats prometheus.Registerer) *RedisSource {
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimits_redis_latency_seconds",
			Help:    "Histogram of Redis call latencies labeled by call and result=[success|notFound|deadlineExceeded|canceled|timeout|redisError|failed].",
			Buckets: prometheus.ExponentialBucketsRange(0.0005, 3, 8),
		},
		[]string{"call", "result"},
	)
	stats.MustRegister(latency)

	return &RedisSource{
		client:         client,
		clk:            clk,
		latency:        latency,
		putBucketNew:   redis.NewScript(putBucketNewScript),
		updateBucket:   redis.NewScript(updateBucketScript),
		transactBucket: redis.NewScript(transactUpdateScript),
	}
}

// resultForError classifies a Redis error for the latency histogram's
// result label, mirroring the teacher's resultForError.
func resultForError(err error) string {
	if errors.Is(err, redis.Nil) {
		return "notFound"
	} else if errors.Is(err, context.DeadlineExceeded) {
		return "deadlineExceeded"
	} else if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var redisErr redis.Error
	if errors.Is(err, redisErr) {
		return "redisError"
	}
	return "failed"
}

func (r *RedisSource) observe(call string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = resultForError(err)
	}
	r.latency.With(prometheus.Labels{"call": call, "result": result}).Observe(r.clk.Since(start).Seconds())
}

func stateToArgs(s BucketState) []any {
	return []any{s.TokensMilli, s.LastRefillServerMs, s.CapacityMilli, s.BurstMilli, s.RefillAmountMilli, s.RefillPeriodMs}
}

func (r *RedisSource) GetBucket(ctx context.Context, key string) (BucketState, int64, int64, error) {
	start := r.clk.Now()
	vals, err := r.client.HGetAll(ctx, key).Result()
	r.observe("get_bucket", start, err)
	if err != nil {
		return BucketState{}, 0, 0, newInfrastructureError("get_bucket", err)
	}
	nowMs, tErr := r.ServerTimeMs(ctx)
	if tErr != nil {
		return BucketState{}, 0, 0, tErr
	}
	if len(vals) == 0 {
		return BucketState{}, 0, nowMs, &NotFoundError{Key: key}
	}
	state, version, err := parseBucketHash(vals)
	if err != nil {
		return BucketState{}, 0, nowMs, newInfrastructureError("get_bucket", err)
	}
	return state, version, nowMs, nil
}

func parseBucketHash(vals map[string]string) (BucketState, int64, error) {
	var s BucketState
	var version int64
	fields := map[string]*int64{
		fieldTokensMilli:       &s.TokensMilli,
		fieldLastRefillMs:      &s.LastRefillServerMs,
		fieldCapacityMilli:     &s.CapacityMilli,
		fieldBurstMilli:        &s.BurstMilli,
		fieldRefillAmountMilli: &s.RefillAmountMilli,
		fieldRefillPeriodMs:    &s.RefillPeriodMs,
		fieldVersion:           &version,
	}
	for name, dst := range fields {
		raw, ok := vals[name]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return BucketState{}, 0, err
		}
		*dst = n
	}
	return s, version, nil
}

func (r *RedisSource) PutBucketNew(ctx context.Context, key string, state BucketState) (int64, error) {
	start := r.clk.Now()
	res, err := r.putBucketNew.Run(ctx, r.client, []string{key}, stateToArgs(state)...).Int64()
	r.observe("put_bucket_new", start, err)
	if err != nil {
		return 0, newInfrastructureError("put_bucket_new", err)
	}
	nowMs, tErr := r.ServerTimeMs(ctx)
	if tErr != nil {
		return 0, tErr
	}
	if res == 0 {
		return nowMs, &AlreadyExistsError{Key: key}
	}
	return nowMs, nil
}

func (r *RedisSource) UpdateBucket(ctx context.Context, key string, expectedVersion int64, state BucketState) (int64, error) {
	start := r.clk.Now()
	args := append(stateToArgs(state), expectedVersion)
	res, err := r.updateBucket.Run(ctx, r.client, []string{key}, args...).Int64()
	r.observe("update_bucket", start, err)
	if err != nil {
		return 0, newInfrastructureError("update_bucket", err)
	}
	nowMs, tErr := r.ServerTimeMs(ctx)
	if tErr != nil {
		return 0, tErr
	}
	switch res {
	case -1:
		return nowMs, &NotFoundError{Key: key}
	case 0:
		return nowMs, &ConflictError{Key: key}
	default:
		return nowMs, nil
	}
}

func (r *RedisSource) TransactUpdate(ctx context.Context, items []TransactItem) (int64, error) {
	if len(items) == 0 || len(items) > maxTransactItems {
		return 0, newValidationError("transact_update supports 1-%d items, got %d", maxTransactItems, len(items))
	}
	keys := make([]string, len(items))
	args := make([]any, 0, len(items)*7)
	for i, it := range items {
		keys[i] = it.Key
		args = append(args, stateToArgs(it.State)...)
		args = append(args, it.ExpectedVersion)
	}

	start := r.clk.Now()
	res, err := r.transactBucket.Run(ctx, r.client, keys, args...).Int64()
	r.observe("transact_update", start, err)
	if err != nil {
		return 0, newInfrastructureError("transact_update", err)
	}
	nowMs, tErr := r.ServerTimeMs(ctx)
	if tErr != nil {
		return 0, tErr
	}
	switch res {
	case -1, 0:
		// -1: an update-mode key is missing; 0: a version precondition failed.
		return nowMs, &ConflictError{Key: strings.Join(keys, ",")}
	default:
		return nowMs, nil
	}
}

func (r *RedisSource) BatchGetBuckets(ctx context.Context, keys []string) (map[string]BucketStateVersion, int64, error) {
	start := r.clk.Now()
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.HGetAll(ctx, key)
	}
	_, err := pipe.Exec(ctx)
	r.observe("batch_get_buckets", start, err)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, newInfrastructureError("batch_get_buckets", err)
	}

	nowMs, tErr := r.ServerTimeMs(ctx)
	if tErr != nil {
		return nil, 0, tErr
	}

	out := make(map[string]BucketStateVersion, len(keys))
	for key, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		state, version, err := parseBucketHash(vals)
		if err != nil {
			return nil, 0, newInfrastructureError("batch_get_buckets", err)
		}
		out[key] = BucketStateVersion{State: state, Version: version}
	}
	return out, nowMs, nil
}

func (r *RedisSource) GetConfig(ctx context.Context, key string) (ConfigRecord, error) {
	start := r.clk.Now()
	raw, err := r.client.Get(ctx, key).Bytes()
	r.observe("get_config", start, err)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ConfigRecord{}, &NotFoundError{Key: key}
		}
		return ConfigRecord{}, newInfrastructureError("get_config", err)
	}
	var rec ConfigRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ConfigRecord{}, newInfrastructureError("get_config", err)
	}
	return rec, nil
}

func (r *RedisSource) PutConfig(ctx context.Context, key string, record ConfigRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return newInfrastructureError("put_config", err)
	}
	start := r.clk.Now()
	err = r.client.Set(ctx, key, raw, 0).Err()
	r.observe("put_config", start, err)
	if err != nil {
		return newInfrastructureError("put_config", err)
	}
	return nil
}

func (r *RedisSource) DeleteConfig(ctx context.Context, key string) error {
	start := r.clk.Now()
	err := r.client.Del(ctx, key).Err()
	r.observe("delete_config", start, err)
	if err != nil {
		return newInfrastructureError("delete_config", err)
	}
	return nil
}

func (r *RedisSource) GetEntity(ctx context.Context, key string) (EntityRecord, error) {
	start := r.clk.Now()
	raw, err := r.client.Get(ctx, key).Bytes()
	r.observe("get_entity", start, err)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return EntityRecord{}, &NotFoundError{Key: key}
		}
		return EntityRecord{}, newInfrastructureError("get_entity", err)
	}
	var rec EntityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return EntityRecord{}, newInfrastructureError("get_entity", err)
	}
	return rec, nil
}

func (r *RedisSource) PutEntity(ctx context.Context, key string, record EntityRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return newInfrastructureError("put_entity", err)
	}
	start := r.clk.Now()
	err = r.client.Set(ctx, key, raw, 0).Err()
	r.observe("put_entity", start, err)
	if err != nil {
		return newInfrastructureError("put_entity", err)
	}
	return nil
}

func (r *RedisSource) DeleteEntity(ctx context.Context, key string) error {
	start := r.clk.Now()
	err := r.client.Del(ctx, key).Err()
	r.observe("delete_entity", start, err)
	if err != nil {
		return newInfrastructureError("delete_entity", err)
	}
	return nil
}

func (r *RedisSource) ListChildren(ctx context.Context, opaqueID, parentID string) ([]string, error) {
	pattern := opaqueID + "/ENTITYREC#*"
	prefix := opaqueID + "/ENTITYREC#"

	start := r.clk.Now()
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			r.observe("list_children", start, err)
			return nil, newInfrastructureError("list_children", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		r.observe("list_children", start, nil)
		return nil, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	r.observe("list_children", start, err)
	if err != nil {
		return nil, newInfrastructureError("list_children", err)
	}

	var children []string
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec EntityRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.ParentID == parentID {
			children = append(children, strings.TrimPrefix(keys[i], prefix))
		}
	}
	return children, nil
}

func (r *RedisSource) ListResourceDefaults(ctx context.Context, opaqueID string) ([]string, error) {
	pattern := opaqueID + "/RESOURCE#*"
	prefix := opaqueID + "/RESOURCE#"

	start := r.clk.Now()
	var resources []string
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			r.observe("list_resource_defaults", start, err)
			return nil, newInfrastructureError("list_resource_defaults", err)
		}
		for _, k := range keys {
			resources = append(resources, strings.TrimPrefix(k, prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.observe("list_resource_defaults", start, nil)
	return resources, nil
}

// ServerTimeMs returns Redis's own clock via the TIME command, the sole
// source of truth for refill math across every client.
func (r *RedisSource) ServerTimeMs(ctx context.Context) (int64, error) {
	start := r.clk.Now()
	dur, err := r.client.Time(ctx).Result()
	r.observe("server_time", start, err)
	if err != nil {
		return 0, newInfrastructureError("server_time", err)
	}
	return dur.UnixMilli(), nil
}

// IsReachable probes liveness with PING. It never raises.
func (r *RedisSource) IsReachable(ctx context.Context) bool {
	start := r.clk.Now()
	err := r.client.Ping(ctx).Err()
	r.observe("ping", start, err)
	return err == nil
}

package ratelimits

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cristaloleg/distlimiter/db"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Compile-time check that SQLSource implements Source.
var _ Source = (*SQLSource)(nil)

// SQLSource is a Source backed by an SQL database via db.WrappedMap,
// implementing spec.md §9 Design Note 2's alternative to a Redis backend:
// a row-version column guards conditional updates, and a real SQL
// transaction (not a Lua script) gives the cascade case its atomicity.
// It is grounded on the teacher's db package, generalized from Boulder's
// certificate-issuance tables to three tables of its own.
type SQLSource struct {
	dbMap   *db.WrappedMap
	clk     clock.Clock
	latency *prometheus.HistogramVec
}

// Bucket table DDL (created out of band by a migration, not by this
// package):
//
//	CREATE TABLE ratelimit_buckets (
//	  bucket_key VARCHAR(255) NOT NULL PRIMARY KEY,
//	  tokens_milli BIGINT NOT NULL,
//	  last_refill_ms BIGINT NOT NULL,
//	  capacity_milli BIGINT NOT NULL,
//	  burst_milli BIGINT NOT NULL,
//	  refill_amount_milli BIGINT NOT NULL,
//	  refill_period_ms BIGINT NOT NULL,
//	  version BIGINT NOT NULL
//	);
//	CREATE TABLE ratelimit_configs (
//	  config_key VARCHAR(255) NOT NULL PRIMARY KEY,
//	  data TEXT NOT NULL
//	);
//	CREATE TABLE ratelimit_entities (
//	  entity_key VARCHAR(255) NOT NULL PRIMARY KEY,
//	  data TEXT NOT NULL
//	);
const (
	bucketsTable  = "ratelimit_buckets"
	configsTable  = "ratelimit_configs"
	entitiesTable = "ratelimit_entities"
)

// NewSQLSource returns a Source backed by dbMap.
func NewSQLSource(dbMap *db.WrappedMap, clk clock.Clock, stats prometheus.Registerer) *SQLSource {
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ratelimits_sql_latency_seconds",
		Help:    "Histogram of SQL adapter call latencies labeled by op and result=[success|error].",
		Buckets: prometheus.ExponentialBucketsRange(0.0005, 3, 8),
	}, []string{"op", "result"})
	stats.MustRegister(latency)
	return &SQLSource{dbMap: dbMap, clk: clk, latency: latency}
}

func (s *SQLSource) observe(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	s.latency.WithLabelValues(op, result).Observe(s.clk.Since(start).Seconds())
}

func (s *SQLSource) GetBucket(ctx context.Context, key string) (BucketState, int64, int64, error) {
	start := s.clk.Now()
	ex := s.dbMap.WithContext(ctx)
	rows, err := ex.Query(
		`select tokens_milli, last_refill_ms, capacity_milli, burst_milli, refill_amount_milli, refill_period_ms, version from `+bucketsTable+` where bucket_key = ?`,
		key,
	)
	s.observe("get_bucket", start, err)
	if err != nil {
		nowMs, tErr := s.ServerTimeMs(ctx)
		if tErr != nil {
			return BucketState{}, 0, 0, tErr
		}
		return BucketState{}, 0, nowMs, newInfrastructureError("get_bucket", err)
	}
	defer rows.Close()

	var state BucketState
	var version int64
	found := false
	if rows.Next() {
		if err := rows.Scan(&state.TokensMilli, &state.LastRefillServerMs, &state.CapacityMilli,
			&state.BurstMilli, &state.RefillAmountMilli, &state.RefillPeriodMs, &version); err != nil {
			return BucketState{}, 0, 0, newInfrastructureError("get_bucket", err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return BucketState{}, 0, 0, newInfrastructureError("get_bucket", err)
	}

	nowMs, tErr := s.ServerTimeMs(ctx)
	if tErr != nil {
		return BucketState{}, 0, 0, tErr
	}
	if !found {
		return BucketState{}, 0, nowMs, &NotFoundError{Key: key}
	}
	return state, version, nowMs, nil
}

func (s *SQLSource) PutBucketNew(ctx context.Context, key string, state BucketState) (int64, error) {
	start := s.clk.Now()
	ex := s.dbMap.WithContext(ctx)
	_, err := ex.Exec(
		`insert into `+bucketsTable+` (bucket_key, tokens_milli, last_refill_ms, capacity_milli, burst_milli, refill_amount_milli, refill_period_ms, version) values (?, ?, ?, ?, ?, ?, ?, 1)`,
		key, state.TokensMilli, state.LastRefillServerMs, state.CapacityMilli, state.BurstMilli, state.RefillAmountMilli, state.RefillPeriodMs,
	)
	s.observe("put_bucket_new", start, err)
	nowMs, tErr := s.ServerTimeMs(ctx)
	if tErr != nil {
		return 0, tErr
	}
	if err != nil {
		if db.IsDuplicate(err) {
			return nowMs, &AlreadyExistsError{Key: key}
		}
		return nowMs, newInfrastructureError("put_bucket_new", err)
	}
	return nowMs, nil
}

func (s *SQLSource) UpdateBucket(ctx context.Context, key string, expectedVersion int64, state BucketState) (int64, error) {
	start := s.clk.Now()
	ex := s.dbMap.WithContext(ctx)
	res, err := ex.Exec(
		`update `+bucketsTable+` set tokens_milli = ?, last_refill_ms = ?, capacity_milli = ?, burst_milli = ?, refill_amount_milli = ?, refill_period_ms = ?, version = version + 1 where bucket_key = ? and version = ?`,
		state.TokensMilli, state.LastRefillServerMs, state.CapacityMilli, state.BurstMilli, state.RefillAmountMilli, state.RefillPeriodMs, key, expectedVersion,
	)
	s.observe("update_bucket", start, err)
	nowMs, tErr := s.ServerTimeMs(ctx)
	if tErr != nil {
		return 0, tErr
	}
	if err != nil {
		return nowMs, newInfrastructureError("update_bucket", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nowMs, newInfrastructureError("update_bucket", err)
	}
	if n == 0 {
		return nowMs, s.classifyMissedUpdate(ctx, key)
	}
	return nowMs, nil
}

// classifyMissedUpdate distinguishes "key does not exist" from "version
// mismatch" after an UPDATE affected zero rows, since SQL's RowsAffected
// alone cannot tell the two apart.
func (s *SQLSource) classifyMissedUpdate(ctx context.Context, key string) error {
	ex := s.dbMap.WithContext(ctx)
	var exists int64
	err := ex.SelectOne(&exists, `select count(*) from `+bucketsTable+` where bucket_key = ?`, key)
	if err != nil {
		return newInfrastructureError("update_bucket", err)
	}
	if exists == 0 {
		return &NotFoundError{Key: key}
	}
	return &ConflictError{Key: key}
}

// TransactUpdate applies up to maxTransactItems bucket writes inside one
// SQL transaction: every item is attempted (insert if ExpectedVersion == 0,
// else conditional update); any failure rolls the whole transaction back.
func (s *SQLSource) TransactUpdate(ctx context.Context, items []TransactItem) (int64, error) {
	if len(items) == 0 || len(items) > maxTransactItems {
		return 0, newValidationError("transact_update supports 1-%d items, got %d", maxTransactItems, len(items))
	}
	start := s.clk.Now()
	tx, err := s.dbMap.Begin()
	if err != nil {
		s.observe("transact_update", start, err)
		return 0, newInfrastructureError("transact_update", err)
	}
	ex := tx.WithContext(ctx)

	for _, it := range items {
		if it.ExpectedVersion == 0 {
			_, err = ex.Exec(
				`insert into `+bucketsTable+` (bucket_key, tokens_milli, last_refill_ms, capacity_milli, burst_milli, refill_amount_milli, refill_period_ms, version) values (?, ?, ?, ?, ?, ?, ?, 1)`,
				it.Key, it.State.TokensMilli, it.State.LastRefillServerMs, it.State.CapacityMilli, it.State.BurstMilli, it.State.RefillAmountMilli, it.State.RefillPeriodMs,
			)
			if err != nil {
				_ = tx.Rollback()
				s.observe("transact_update", start, err)
				if db.IsDuplicate(err) {
					return 0, &ConflictError{Key: it.Key}
				}
				return 0, newInfrastructureError("transact_update", err)
			}
			continue
		}
		var res sql.Result
		res, err = ex.Exec(
			`update `+bucketsTable+` set tokens_milli = ?, last_refill_ms = ?, capacity_milli = ?, burst_milli = ?, refill_amount_milli = ?, refill_period_ms = ?, version = version + 1 where bucket_key = ? and version = ?`,
			it.State.TokensMilli, it.State.LastRefillServerMs, it.State.CapacityMilli, it.State.BurstMilli, it.State.RefillAmountMilli, it.State.RefillPeriodMs, it.Key, it.ExpectedVersion,
		)
		if err != nil {
			_ = tx.Rollback()
			s.observe("transact_update", start, err)
			return 0, newInfrastructureError("transact_update", err)
		}
		n, rErr := res.RowsAffected()
		if rErr != nil {
			_ = tx.Rollback()
			s.observe("transact_update", start, rErr)
			return 0, newInfrastructureError("transact_update", rErr)
		}
		if n == 0 {
			_ = tx.Rollback()
			s.observe("transact_update", start, errors.New("conflict"))
			return 0, &ConflictError{Key: it.Key}
		}
	}

	err = tx.Commit()
	s.observe("transact_update", start, err)
	if err != nil {
		return 0, newInfrastructureError("transact_update", err)
	}
	return s.ServerTimeMs(ctx)
}

func (s *SQLSource) BatchGetBuckets(ctx context.Context, keys []string) (map[string]BucketStateVersion, int64, error) {
	out := make(map[string]BucketStateVersion, len(keys))
	if len(keys) == 0 {
		nowMs, err := s.ServerTimeMs(ctx)
		return out, nowMs, err
	}

	start := s.clk.Now()
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}
	query := `select bucket_key, tokens_milli, last_refill_ms, capacity_milli, burst_milli, refill_amount_milli, refill_period_ms, version from ` +
		bucketsTable + ` where bucket_key in (` + strings.Join(placeholders, ",") + `)`

	ex := s.dbMap.WithContext(ctx)
	rows, err := ex.Query(query, args...)
	s.observe("batch_get_buckets", start, err)
	if err != nil {
		return nil, 0, newInfrastructureError("batch_get_buckets", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var sv BucketStateVersion
		if err := rows.Scan(&key, &sv.State.TokensMilli, &sv.State.LastRefillServerMs, &sv.State.CapacityMilli,
			&sv.State.BurstMilli, &sv.State.RefillAmountMilli, &sv.State.RefillPeriodMs, &sv.Version); err != nil {
			return nil, 0, newInfrastructureError("batch_get_buckets", err)
		}
		out[key] = sv
	}
	if err := rows.Err(); err != nil {
		return nil, 0, newInfrastructureError("batch_get_buckets", err)
	}

	nowMs, tErr := s.ServerTimeMs(ctx)
	if tErr != nil {
		return nil, 0, tErr
	}
	return out, nowMs, nil
}

func (s *SQLSource) GetConfig(ctx context.Context, key string) (ConfigRecord, error) {
	raw, err := s.getBlob(ctx, configsTable, "config_key", key)
	if err != nil {
		return ConfigRecord{}, err
	}
	var rec ConfigRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ConfigRecord{}, newInfrastructureError("get_config", err)
	}
	return rec, nil
}

func (s *SQLSource) PutConfig(ctx context.Context, key string, record ConfigRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return newInfrastructureError("put_config", err)
	}
	return s.putBlob(ctx, configsTable, "config_key", key, raw)
}

func (s *SQLSource) DeleteConfig(ctx context.Context, key string) error {
	return s.deleteBlob(ctx, configsTable, "config_key", key)
}

func (s *SQLSource) GetEntity(ctx context.Context, key string) (EntityRecord, error) {
	raw, err := s.getBlob(ctx, entitiesTable, "entity_key", key)
	if err != nil {
		return EntityRecord{}, err
	}
	var rec EntityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return EntityRecord{}, newInfrastructureError("get_entity", err)
	}
	return rec, nil
}

func (s *SQLSource) PutEntity(ctx context.Context, key string, record EntityRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return newInfrastructureError("put_entity", err)
	}
	return s.putBlob(ctx, entitiesTable, "entity_key", key, raw)
}

func (s *SQLSource) DeleteEntity(ctx context.Context, key string) error {
	return s.deleteBlob(ctx, entitiesTable, "entity_key", key)
}

func (s *SQLSource) getBlob(ctx context.Context, table, keyCol, key string) ([]byte, error) {
	start := s.clk.Now()
	ex := s.dbMap.WithContext(ctx)
	var data string
	err := ex.SelectOne(&data, `select data from `+table+` where `+keyCol+` = ?`, key)
	s.observe("get_"+table, start, err)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, &NotFoundError{Key: key}
		}
		return nil, newInfrastructureError("get_"+table, err)
	}
	return []byte(data), nil
}

func (s *SQLSource) putBlob(ctx context.Context, table, keyCol, key string, data []byte) error {
	start := s.clk.Now()
	ex := s.dbMap.WithContext(ctx)
	_, err := ex.Exec(
		`insert into `+table+` (`+keyCol+`, data) values (?, ?) on duplicate key update data = values(data)`,
		key, string(data),
	)
	s.observe("put_"+table, start, err)
	if err != nil {
		return newInfrastructureError("put_"+table, err)
	}
	return nil
}

func (s *SQLSource) deleteBlob(ctx context.Context, table, keyCol, key string) error {
	start := s.clk.Now()
	ex := s.dbMap.WithContext(ctx)
	_, err := ex.Exec(`delete from `+table+` where `+keyCol+` = ?`, key)
	s.observe("delete_"+table, start, err)
	if err != nil {
		return newInfrastructureError("delete_"+table, err)
	}
	return nil
}

func (s *SQLSource) ListChildren(ctx context.Context, opaqueID, parentID string) ([]string, error) {
	start := s.clk.Now()
	ex := s.dbMap.WithContext(ctx)
	prefix := opaqueID + "/ENTITYREC#"
	rows, err := ex.Query(`select entity_key, data from `+entitiesTable+` where entity_key like ?`, prefix+"%")
	s.observe("list_children", start, err)
	if err != nil {
		return nil, newInfrastructureError("list_children", err)
	}
	defer rows.Close()

	var children []string
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, newInfrastructureError("list_children", err)
		}
		var rec EntityRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, newInfrastructureError("list_children", err)
		}
		if rec.ParentID == parentID {
			children = append(children, strings.TrimPrefix(key, prefix))
		}
	}
	return children, rows.Err()
}

func (s *SQLSource) ListResourceDefaults(ctx context.Context, opaqueID string) ([]string, error) {
	start := s.clk.Now()
	ex := s.dbMap.WithContext(ctx)
	prefix := opaqueID + "/RESOURCE#"
	rows, err := ex.Query(`select config_key from `+configsTable+` where config_key like ?`, prefix+"%")
	s.observe("list_resource_defaults", start, err)
	if err != nil {
		return nil, newInfrastructureError("list_resource_defaults", err)
	}
	defer rows.Close()

	var resources []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, newInfrastructureError("list_resource_defaults", err)
		}
		resources = append(resources, strings.TrimPrefix(key, prefix))
	}
	return resources, rows.Err()
}

// ServerTimeMs reads the database server's own clock via NOW(6), the sole
// source of truth for refill math across every client.
func (s *SQLSource) ServerTimeMs(ctx context.Context) (int64, error) {
	start := s.clk.Now()
	ex := s.dbMap.WithContext(ctx)
	var t time.Time
	err := ex.SelectOne(&t, `select now(6)`)
	s.observe("server_time", start, err)
	if err != nil {
		return 0, newInfrastructureError("server_time", err)
	}
	return t.UnixMilli(), nil
}

// IsReachable probes liveness with a ping. It never raises.
func (s *SQLSource) IsReachable(ctx context.Context) bool {
	start := s.clk.Now()
	err := s.dbMap.Db.PingContext(ctx)
	s.observe("ping", start, err)
	return err == nil
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.EventStore   = (*Repository)(nil)
	_ repository.AnomalyStore = (*Repository)(nil)
)

// eventWhere is the shared predicate for event queries; see filterArgs for the parameter order.
const eventWhere = `($1 = '' OR service = $1)
	AND ($2 = '' OR org_id = $2)
	AND ($3 = '' OR level = $3)
	AND ($4::timestamptz IS NULL OR occurred_at >= $4)
	AND ($5::timestamptz IS NULL OR occurred_at < $5)
	AND ($6 = '' OR strpos(lower(COALESCE(message, '')), lower($6)) > 0)`

func filterArgs(f domain.EventFilter) []any {
	return []any{
		strings.TrimSpace(f.Service),
		strings.TrimSpace(f.Org),
		string(f.Level),
		nilTime(f.From),
		nilTime(f.To),
		strings.TrimSpace(f.Search),
	}
}

const eventColumns = `id, org_id, service, level, message, latency_ms, response_code, metadata, occurred_at, ingested_at`

// AppendEvents inserts events one by one so that a rejected row never rolls back its neighbours.
func (r *Repository) AppendEvents(ctx context.Context, events []domain.LogEvent) (domain.BatchResult, error) {
	const query = `INSERT INTO log_events (
		org_id,
		service,
		level,
		message,
		latency_ms,
		response_code,
		metadata,
		occurred_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	RETURNING id`
	result := domain.BatchResult{}
	seen := make(map[domain.Partition]struct{})
	for i, event := range events {
		var id int64
		err := r.pool.QueryRow(ctx, query,
			emptyToNil(event.Org),
			event.Service,
			string(event.Level),
			nilIfEmpty(event.Message),
			int64PtrToNil(event.LatencyMS),
			intPtrToNil(event.ResponseCode),
			bytesToNil(event.Metadata),
			event.Timestamp.UTC(),
		).Scan(&id)
		if err != nil {
			if rowErr := rejectedRow(err); rowErr != nil {
				result.Rejected++
				result.Errors = append(result.Errors, domain.ItemError{Index: i, Error: rowErr.Error()})
				continue
			}
			return result, unavailable("append events", err)
		}
		result.Accepted++
		p := event.Partition()
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			result.Partitions = append(result.Partitions, p)
		}
	}
	return result, nil
}

// rejectedRow maps constraint and data errors to a per-row rejection; it returns nil for
// failures that affect the whole store.
func rejectedRow(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case "22P02", "23514", "22001", "22003", "22007", "23502":
		return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
	}
	return nil
}

// CountEvents counts events matching the filter.
func (r *Repository) CountEvents(ctx context.Context, filter domain.EventFilter) (int64, error) {
	query := `SELECT COUNT(1) FROM log_events WHERE ` + eventWhere
	var count int64
	if err := r.pool.QueryRow(ctx, query, filterArgs(filter)...).Scan(&count); err != nil {
		return 0, unavailable("count events", err)
	}
	return count, nil
}

// AggregateEvents computes totals and average latency for events matching the filter.
func (r *Repository) AggregateEvents(ctx context.Context, filter domain.EventFilter) (domain.WindowAggregate, error) {
	query := `SELECT
		COUNT(1),
		COUNT(1) FILTER (WHERE level = 'ERROR'),
		AVG(latency_ms)::double precision
	FROM log_events WHERE ` + eventWhere
	var (
		agg domain.WindowAggregate
		avg sql.NullFloat64
	)
	if err := r.pool.QueryRow(ctx, query, filterArgs(filter)...).Scan(&agg.TotalCount, &agg.ErrorCount, &avg); err != nil {
		return domain.WindowAggregate{}, unavailable("aggregate events", err)
	}
	if avg.Valid {
		value := avg.Float64
		agg.AvgLatency = &value
	}
	return agg, nil
}

// ScanEvents streams events matching the filter.
func (r *Repository) ScanEvents(ctx context.Context, filter domain.EventFilter, fn func(domain.LogEvent) error) error {
	query := `SELECT ` + eventColumns + ` FROM log_events WHERE ` + eventWhere
	rows, err := r.pool.Query(ctx, query, filterArgs(filter)...)
	if err != nil {
		return unavailable("scan events", err)
	}
	defer rows.Close()
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return unavailable("scan events", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return unavailable("scan events", err)
	}
	return nil
}

// ListEvents returns events newest first.
func (r *Repository) ListEvents(ctx context.Context, filter domain.EventFilter, limit, offset int) ([]domain.LogEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + eventColumns + ` FROM log_events WHERE ` + eventWhere + `
		ORDER BY occurred_at DESC, id DESC LIMIT $7 OFFSET $8`
	args := append(filterArgs(filter), limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list events", err)
	}
	defer rows.Close()

	events := make([]domain.LogEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, unavailable("list events", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list events", err)
	}
	return events, nil
}

func scanEvent(rows pgx.Rows) (domain.LogEvent, error) {
	var (
		e        domain.LogEvent
		org      sql.NullString
		level    string
		message  sql.NullString
		latency  sql.NullInt64
		status   sql.NullInt32
		metadata []byte
	)
	if err := rows.Scan(
		&e.ID,
		&org,
		&e.Service,
		&level,
		&message,
		&latency,
		&status,
		&metadata,
		&e.Timestamp,
		&e.IngestedAt,
	); err != nil {
		return domain.LogEvent{}, err
	}
	e.Level = domain.Level(level)
	if org.Valid {
		e.Org = org.String
	}
	if message.Valid {
		e.Message = message.String
	}
	if latency.Valid {
		value := latency.Int64
		e.LatencyMS = &value
	}
	if status.Valid {
		value := int(status.Int32)
		e.ResponseCode = &value
	}
	if len(metadata) > 0 {
		e.Metadata = append([]byte(nil), metadata...)
	}
	e.Timestamp = e.Timestamp.UTC()
	e.IngestedAt = e.IngestedAt.UTC()
	return e, nil
}

// TopServices ranks services by event volume.
func (r *Repository) TopServices(ctx context.Context, filter domain.EventFilter, limit int) ([]domain.ServiceCount, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT service, COUNT(1) AS total FROM log_events WHERE ` + eventWhere + `
		GROUP BY service ORDER BY total DESC, service ASC LIMIT $7`
	rows, err := r.pool.Query(ctx, query, append(filterArgs(filter), limit)...)
	if err != nil {
		return nil, unavailable("top services", err)
	}
	defer rows.Close()
	services := make([]domain.ServiceCount, 0)
	for rows.Next() {
		var sc domain.ServiceCount
		if err := rows.Scan(&sc.Service, &sc.Count); err != nil {
			return nil, unavailable("top services", err)
		}
		services = append(services, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("top services", err)
	}
	return services, nil
}

// CountByLevel groups events by severity.
func (r *Repository) CountByLevel(ctx context.Context, filter domain.EventFilter) ([]domain.LevelCount, error) {
	query := `SELECT level, COUNT(1) FROM log_events WHERE ` + eventWhere + ` GROUP BY level ORDER BY level`
	rows, err := r.pool.Query(ctx, query, filterArgs(filter)...)
	if err != nil {
		return nil, unavailable("count by level", err)
	}
	defer rows.Close()
	levels := make([]domain.LevelCount, 0)
	for rows.Next() {
		var (
			level string
			count int64
		)
		if err := rows.Scan(&level, &count); err != nil {
			return nil, unavailable("count by level", err)
		}
		levels = append(levels, domain.LevelCount{Level: domain.Level(level), Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("count by level", err)
	}
	return levels, nil
}

// ResponseCodes groups events carrying a response code, largest group first.
func (r *Repository) ResponseCodes(ctx context.Context, filter domain.EventFilter) ([]domain.ResponseCodeCount, error) {
	query := `SELECT response_code, COUNT(1) AS total FROM log_events WHERE ` + eventWhere + `
		AND response_code IS NOT NULL
		GROUP BY response_code ORDER BY total DESC, response_code ASC`
	rows, err := r.pool.Query(ctx, query, filterArgs(filter)...)
	if err != nil {
		return nil, unavailable("response codes", err)
	}
	defer rows.Close()
	codes := make([]domain.ResponseCodeCount, 0)
	for rows.Next() {
		var rc domain.ResponseCodeCount
		if err := rows.Scan(&rc.Code, &rc.Count); err != nil {
			return nil, unavailable("response codes", err)
		}
		codes = append(codes, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("response codes", err)
	}
	return codes, nil
}

// LatencyStats returns min/avg/max latency over events carrying one.
func (r *Repository) LatencyStats(ctx context.Context, filter domain.EventFilter) (domain.LatencyStats, error) {
	query := `SELECT
		COUNT(latency_ms),
		MIN(latency_ms)::double precision,
		AVG(latency_ms)::double precision,
		MAX(latency_ms)::double precision
	FROM log_events WHERE ` + eventWhere
	var (
		stats         domain.LatencyStats
		min, avg, max sql.NullFloat64
	)
	if err := r.pool.QueryRow(ctx, query, filterArgs(filter)...).Scan(&stats.Count, &min, &avg, &max); err != nil {
		return domain.LatencyStats{}, unavailable("latency stats", err)
	}
	stats.Min = nullFloatPtr(min)
	stats.Avg = nullFloatPtr(avg)
	stats.Max = nullFloatPtr(max)
	return stats, nil
}

// SaveAnomaly inserts an anomaly record, assigning an ID and creation time when missing.
// The record's timestamps are replaced by their stored values.
func (r *Repository) SaveAnomaly(ctx context.Context, record *domain.AnomalyRecord) error {
	if record == nil {
		return fmt.Errorf("anomaly record required")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	evidence, err := json.Marshal(record.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	const query = `INSERT INTO anomalies (
		id,
		org_id,
		service,
		window_start,
		window_end,
		error_count,
		total_count,
		error_rate,
		baseline_rate,
		score,
		evidence,
		created_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,COALESCE($12, NOW())
	) RETURNING window_start, window_end, created_at`
	var windowStart, windowEnd, created time.Time
	err = r.pool.QueryRow(ctx, query,
		record.ID,
		emptyToNil(record.Org),
		record.Service,
		record.WindowStart.UTC(),
		record.WindowEnd.UTC(),
		record.ErrorCount,
		record.TotalCount,
		record.ErrorRate,
		record.BaselineRate,
		record.Score,
		evidence,
		nilTime(record.CreatedAt),
	).Scan(&windowStart, &windowEnd, &created)
	if err != nil {
		if rowErr := rejectedRow(err); rowErr != nil {
			return rowErr
		}
		return unavailable("save anomaly", err)
	}
	// timestamptz keeps microseconds; report what was stored
	record.WindowStart = windowStart.UTC()
	record.WindowEnd = windowEnd.UTC()
	record.CreatedAt = created.UTC()
	return nil
}

const anomalyWhere = `($1 = '' OR service = $1)
	AND ($2 = '' OR org_id = $2)
	AND ($3::timestamptz IS NULL OR created_at >= $3)`

func anomalyArgs(f domain.AnomalyFilter) []any {
	return []any{strings.TrimSpace(f.Service), strings.TrimSpace(f.Org), nilTime(f.Since)}
}

// ListAnomalies returns anomaly records newest first.
func (r *Repository) ListAnomalies(ctx context.Context, filter domain.AnomalyFilter, limit, offset int) ([]domain.AnomalyRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id::text, org_id, service, window_start, window_end, error_count, total_count,
		error_rate, baseline_rate, score, evidence, created_at
	FROM anomalies WHERE ` + anomalyWhere + `
	ORDER BY created_at DESC, id DESC LIMIT $4 OFFSET $5`
	rows, err := r.pool.Query(ctx, query, append(anomalyArgs(filter), limit, offset)...)
	if err != nil {
		return nil, unavailable("list anomalies", err)
	}
	defer rows.Close()

	records := make([]domain.AnomalyRecord, 0)
	for rows.Next() {
		var (
			a        domain.AnomalyRecord
			org      sql.NullString
			evidence []byte
		)
		if err := rows.Scan(&a.ID, &org, &a.Service, &a.WindowStart, &a.WindowEnd, &a.ErrorCount, &a.TotalCount,
			&a.ErrorRate, &a.BaselineRate, &a.Score, &evidence, &a.CreatedAt); err != nil {
			return nil, unavailable("list anomalies", err)
		}
		if org.Valid {
			a.Org = org.String
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &a.Evidence); err != nil {
				return nil, fmt.Errorf("decode evidence for anomaly %s: %w", a.ID, err)
			}
		}
		a.WindowStart = a.WindowStart.UTC()
		a.WindowEnd = a.WindowEnd.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
		records = append(records, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list anomalies", err)
	}
	return records, nil
}

// AnomalyStats summarises anomaly records matching the filter.
func (r *Repository) AnomalyStats(ctx context.Context, filter domain.AnomalyFilter) (domain.AnomalyStats, error) {
	args := anomalyArgs(filter)
	totalsQuery := `SELECT COUNT(1), AVG(error_rate), AVG(score) FROM anomalies WHERE ` + anomalyWhere
	var (
		stats         domain.AnomalyStats
		avgRate, avgS sql.NullFloat64
	)
	if err := r.pool.QueryRow(ctx, totalsQuery, args...).Scan(&stats.TotalAnomalies, &avgRate, &avgS); err != nil {
		return domain.AnomalyStats{}, unavailable("anomaly stats", err)
	}
	stats.AvgErrorRate = nullFloatPtr(avgRate)
	stats.AvgScore = nullFloatPtr(avgS)

	byServiceQuery := `SELECT service, COUNT(1) AS total FROM anomalies WHERE ` + anomalyWhere + `
		GROUP BY service ORDER BY total DESC, service ASC`
	rows, err := r.pool.Query(ctx, byServiceQuery, args...)
	if err != nil {
		return domain.AnomalyStats{}, unavailable("anomaly stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc domain.ServiceCount
		if err := rows.Scan(&sc.Service, &sc.Count); err != nil {
			return domain.AnomalyStats{}, unavailable("anomaly stats", err)
		}
		stats.TopServices = append(stats.TopServices, sc)
	}
	if err := rows.Err(); err != nil {
		return domain.AnomalyStats{}, unavailable("anomaly stats", err)
	}
	return stats, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64PtrToNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	value := v.Float64
	return &value
}

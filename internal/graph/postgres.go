package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/netseer/netseer/api/schemas"
)

// DBPool abstracts the pgxpool.Pool so the store can be exercised against
// pgxmock in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is the persistent GraphStore implementation. The
// single-active-edge invariant is enforced by a partial unique index
// (dependencies_active_key); counter updates are expressed as server-side
// deltas so concurrent builders never lose increments.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.GraphStore = (*PostgresStore)(nil)

// NewPostgresStore creates a store instance and verifies the connection.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("graphstore"),
	}, nil
}

const depColumns = `id, source_asset_id, target_asset_id, target_port, protocol,
	bytes_total, packets_total, flows_total, bytes_last_24h, bytes_last_7d,
	first_seen, last_seen, valid_from, valid_to,
	dependency_type, is_critical, is_confirmed, is_ignored`

// depColumnsQualified disambiguates from the assets columns in joined queries.
const depColumnsQualified = `d.id, d.source_asset_id, d.target_asset_id, d.target_port, d.protocol,
	d.bytes_total, d.packets_total, d.flows_total, d.bytes_last_24h, d.bytes_last_7d,
	d.first_seen, d.last_seen, d.valid_from, d.valid_to,
	d.dependency_type, d.is_critical, d.is_confirmed, d.is_ignored`

const assetColumns = `id, name, ip_address, is_critical, is_internal, first_seen, last_seen, deleted_at`

// scanDependency reads one dependency row. Integer columns are scanned into
// signed intermediates because Postgres has no unsigned types.
func scanDependency(row pgx.Row) (schemas.Dependency, error) {
	var d schemas.Dependency
	var port int32
	var proto int16
	var bytesTotal, packetsTotal, flowsTotal, bytes24h, bytes7d int64

	err := row.Scan(
		&d.ID, &d.SourceAssetID, &d.TargetAssetID, &port, &proto,
		&bytesTotal, &packetsTotal, &flowsTotal, &bytes24h, &bytes7d,
		&d.FirstSeen, &d.LastSeen, &d.ValidFrom, &d.ValidTo,
		&d.DependencyType, &d.IsCritical, &d.IsConfirmed, &d.IsIgnored,
	)
	if err != nil {
		return schemas.Dependency{}, err
	}

	d.TargetPort = uint16(port)
	d.Protocol = uint8(proto)
	d.BytesTotal = uint64(bytesTotal)
	d.PacketsTotal = uint64(packetsTotal)
	d.FlowsTotal = uint64(flowsTotal)
	d.BytesLast24h = uint64(bytes24h)
	d.BytesLast7d = uint64(bytes7d)
	return d, nil
}

func scanAsset(row pgx.Row) (schemas.Asset, error) {
	var a schemas.Asset
	err := row.Scan(&a.ID, &a.Name, &a.IPAddress, &a.IsCritical, &a.IsInternal, &a.FirstSeen, &a.LastSeen, &a.DeletedAt)
	return a, err
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (schemas.Asset, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1;`, id)
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.Asset{}, fmt.Errorf("asset %q: %w", id, schemas.ErrAssetNotFound)
		}
		return schemas.Asset{}, fmt.Errorf("failed to query asset: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAssetsByIDs(ctx context.Context, ids []string) (map[string]schemas.Asset, error) {
	assets := make(map[string]schemas.Asset, len(ids))
	if len(ids) == 0 {
		return assets, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ANY($1);`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		assets[a.ID] = a
	}
	return assets, rows.Err()
}

const sqlUpsertAsset = `
	INSERT INTO assets (id, name, ip_address, is_critical, is_internal, first_seen, last_seen)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		ip_address = EXCLUDED.ip_address,
		is_critical = EXCLUDED.is_critical,
		is_internal = EXCLUDED.is_internal,
		last_seen = GREATEST(assets.last_seen, EXCLUDED.last_seen);
`

// UpsertAsset registers or refreshes an asset record. Asset identity is owned
// by the mapper; a conflicting insert refreshes the mutable fields and never
// clears a soft delete.
func (s *PostgresStore) UpsertAsset(ctx context.Context, asset schemas.Asset) error {
	_, err := s.pool.Exec(ctx, sqlUpsertAsset,
		asset.ID, asset.Name, asset.IPAddress, asset.IsCritical, asset.IsInternal,
		asset.FirstSeen.UTC(), asset.LastSeen.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert asset %q: %w", asset.ID, err)
	}
	return nil
}

func (s *PostgresStore) FindActiveEdge(ctx context.Context, key schemas.EdgeKey) (schemas.Dependency, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+depColumns+`
		FROM dependencies
		WHERE source_asset_id = $1 AND target_asset_id = $2
		  AND target_port = $3 AND protocol = $4
		  AND valid_to IS NULL;
	`, key.SourceAssetID, key.TargetAssetID, int32(key.TargetPort), int16(key.Protocol))

	d, err := scanDependency(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.Dependency{}, fmt.Errorf("edge %s: %w", key, schemas.ErrEdgeNotFound)
		}
		return schemas.Dependency{}, fmt.Errorf("failed to query active edge: %w", err)
	}
	return d, nil
}

const sqlInsertDependency = `
	INSERT INTO dependencies (
		id, source_asset_id, target_asset_id, target_port, protocol,
		bytes_total, packets_total, flows_total, bytes_last_24h, bytes_last_7d,
		first_seen, last_seen, valid_from, valid_to,
		dependency_type, is_critical, is_confirmed, is_ignored
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL, $14, $15, $16, $17);
`

const sqlInsertTraffic = `
	INSERT INTO dependency_traffic (dependency_id, bytes, packets, flows, window_start, window_end)
	VALUES ($1, $2, $3, $4, $5, $6);
`

const sqlInsertHistory = `
	INSERT INTO dependency_history (id, dependency_id, change_type, previous_state, new_state, reason, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7);
`

// CreateEdge inserts the edge, its first traffic observation, and the
// "created" audit record in one transaction. A violation of the active-key
// index surfaces as schemas.ErrEdgeExists so the builder can retry the
// aggregate as an update.
func (s *PostgresStore) CreateEdge(ctx context.Context, dep schemas.Dependency, hist schemas.DependencyHistory) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	_, err = tx.Exec(ctx, sqlInsertDependency,
		dep.ID, dep.SourceAssetID, dep.TargetAssetID, int32(dep.TargetPort), int16(dep.Protocol),
		int64(dep.BytesTotal), int64(dep.PacketsTotal), int64(dep.FlowsTotal),
		int64(dep.BytesLast24h), int64(dep.BytesLast7d),
		dep.FirstSeen.UTC(), dep.LastSeen.UTC(), dep.ValidFrom.UTC(),
		dep.DependencyType, dep.IsCritical, dep.IsConfirmed, dep.IsIgnored,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("edge %s: %w", dep.Key(), schemas.ErrEdgeExists)
		}
		return fmt.Errorf("failed to insert dependency: %w", err)
	}

	_, err = tx.Exec(ctx, sqlInsertTraffic,
		dep.ID, int64(dep.BytesTotal), int64(dep.PacketsTotal), int64(dep.FlowsTotal),
		dep.FirstSeen.UTC(), dep.LastSeen.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert traffic observation: %w", err)
	}

	if err := insertHistory(ctx, tx, hist); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit edge creation: %w", err)
	}
	return nil
}

const sqlApplyDelta = `
	UPDATE dependencies SET
		bytes_total = bytes_total + $2,
		packets_total = packets_total + $3,
		flows_total = flows_total + $4,
		last_seen = GREATEST(last_seen, $5),
		bytes_last_24h = (
			SELECT COALESCE(SUM(bytes), 0) FROM dependency_traffic
			WHERE dependency_id = $1 AND window_end > now() - INTERVAL '24 hours'
		),
		bytes_last_7d = (
			SELECT COALESCE(SUM(bytes), 0) FROM dependency_traffic
			WHERE dependency_id = $1 AND window_end > now() - INTERVAL '7 days'
		)
	WHERE id = $1 AND valid_to IS NULL
	RETURNING ` + depColumns + `;
`

// ApplyTraffic records the observation and applies the counter deltas in one
// transaction. The rolling windows are recomputed from the traffic history,
// which already contains the just-inserted row.
func (s *PostgresStore) ApplyTraffic(ctx context.Context, edgeID string, delta schemas.TrafficDelta) (schemas.Dependency, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return schemas.Dependency{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	_, err = tx.Exec(ctx, sqlInsertTraffic,
		edgeID, int64(delta.Bytes), int64(delta.Packets), int64(delta.Flows),
		delta.WindowStart.UTC(), delta.WindowEnd.UTC(),
	)
	if err != nil {
		return schemas.Dependency{}, fmt.Errorf("failed to insert traffic observation: %w", err)
	}

	row := tx.QueryRow(ctx, sqlApplyDelta,
		edgeID, int64(delta.Bytes), int64(delta.Packets), int64(delta.Flows), delta.WindowEnd.UTC(),
	)
	d, err := scanDependency(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.Dependency{}, s.classifyMissingEdge(ctx, edgeID)
		}
		return schemas.Dependency{}, fmt.Errorf("failed to apply traffic delta: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return schemas.Dependency{}, fmt.Errorf("failed to commit traffic update: %w", err)
	}
	return d, nil
}

// CloseEdge sets valid_to and appends the "deleted" audit record atomically.
// Closing is terminal: a closed edge is never reopened.
func (s *PostgresStore) CloseEdge(ctx context.Context, edgeID string, at time.Time, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	row := tx.QueryRow(ctx, `
		UPDATE dependencies SET valid_to = $2
		WHERE id = $1 AND valid_to IS NULL
		RETURNING `+depColumns+`;
	`, edgeID, at.UTC())

	closed, err := scanDependency(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.classifyMissingEdge(ctx, edgeID)
		}
		return fmt.Errorf("failed to close edge: %w", err)
	}

	prev := closed
	prev.ValidTo = nil
	hist, err := NewHistoryRecord(closed.ID, schemas.ChangeDeleted, &prev, &closed, reason, at)
	if err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, hist); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit edge closure: %w", err)
	}
	return nil
}

func (s *PostgresStore) EdgesInto(ctx context.Context, targetIDs []string, asOf *time.Time) ([]schemas.Dependency, error) {
	return s.queryEdgesByEndpoint(ctx, "d.target_asset_id", targetIDs, asOf)
}

func (s *PostgresStore) EdgesFrom(ctx context.Context, sourceIDs []string, asOf *time.Time) ([]schemas.Dependency, error) {
	return s.queryEdgesByEndpoint(ctx, "d.source_asset_id", sourceIDs, asOf)
}

// queryEdgesByEndpoint fetches one BFS frontier's worth of edges. Edges
// touching soft-deleted assets never participate in traversal.
func (s *PostgresStore) queryEdgesByEndpoint(ctx context.Context, column string, ids []string, asOf *time.Time) ([]schemas.Dependency, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	validity := `d.valid_to IS NULL`
	args := []any{ids}
	if asOf != nil {
		validity = `d.valid_from <= $2 AND (d.valid_to IS NULL OR d.valid_to > $2)`
		args = append(args, asOf.UTC())
	}

	query := fmt.Sprintf(`
		SELECT `+depColumnsQualified+`
		FROM dependencies d
		JOIN assets src ON src.id = d.source_asset_id AND src.deleted_at IS NULL
		JOIN assets dst ON dst.id = d.target_asset_id AND dst.deleted_at IS NULL
		WHERE %s = ANY($1) AND %s
		ORDER BY d.id;
	`, column, validity)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()
	return collectDependencies(rows)
}

// ListActiveEdges excludes edges touching soft-deleted assets, like the
// traversal queries: a deleted asset must not surface in SPOF analysis or
// graph snapshots.
func (s *PostgresStore) ListActiveEdges(ctx context.Context, limit int) ([]schemas.Dependency, error) {
	query := `
		SELECT ` + depColumnsQualified + `
		FROM dependencies d
		JOIN assets src ON src.id = d.source_asset_id AND src.deleted_at IS NULL
		JOIN assets dst ON dst.id = d.target_asset_id AND dst.deleted_at IS NULL
		WHERE d.valid_to IS NULL
		ORDER BY d.id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += ";"

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active edges: %w", err)
	}
	defer rows.Close()
	return collectDependencies(rows)
}

func (s *PostgresStore) ListStaleEdges(ctx context.Context, cutoff time.Time, limit int) ([]schemas.Dependency, error) {
	query := `
		SELECT ` + depColumns + `
		FROM dependencies
		WHERE valid_to IS NULL AND last_seen < $1
		ORDER BY last_seen ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += ";"

	rows, err := s.pool.Query(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale edges: %w", err)
	}
	defer rows.Close()
	return collectDependencies(rows)
}

func (s *PostgresStore) ListHistory(ctx context.Context, dependencyID string, limit int) ([]schemas.DependencyHistory, error) {
	query := `
		SELECT id, dependency_id, change_type, previous_state, new_state, reason, occurred_at
		FROM dependency_history
		WHERE dependency_id = $1
		ORDER BY occurred_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += ";"

	rows, err := s.pool.Query(ctx, query, dependencyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []schemas.DependencyHistory
	for rows.Next() {
		var h schemas.DependencyHistory
		var changeType string
		var prev, next []byte
		if err := rows.Scan(&h.ID, &h.DependencyID, &changeType, &prev, &next, &h.Reason, &h.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		h.ChangeType = schemas.ChangeType(changeType)
		h.PreviousState = string(prev)
		h.NewState = string(next)
		records = append(records, h)
	}
	return records, rows.Err()
}

// classifyMissingEdge distinguishes "never existed" from "already closed" for
// mutations that matched no active row.
func (s *PostgresStore) classifyMissingEdge(ctx context.Context, edgeID string) error {
	var validTo *time.Time
	err := s.pool.QueryRow(ctx, `SELECT valid_to FROM dependencies WHERE id = $1;`, edgeID).Scan(&validTo)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("edge %q: %w", edgeID, schemas.ErrEdgeNotFound)
		}
		return fmt.Errorf("failed to query edge %q: %w", edgeID, err)
	}
	return fmt.Errorf("edge %q: %w", edgeID, schemas.ErrEdgeClosed)
}

func (s *PostgresStore) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

func insertHistory(ctx context.Context, tx pgx.Tx, hist schemas.DependencyHistory) error {
	prev := hist.PreviousState
	if prev == "" {
		prev = "{}"
	}
	next := hist.NewState
	if next == "" {
		next = "{}"
	}
	_, err := tx.Exec(ctx, sqlInsertHistory,
		hist.ID, hist.DependencyID, string(hist.ChangeType),
		[]byte(prev), []byte(next), hist.Reason, hist.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

func collectDependencies(rows pgx.Rows) ([]schemas.Dependency, error) {
	var deps []schemas.Dependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dependency row: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// NewHistoryRecord builds an audit record with JSON snapshots of the edge
// before and after the transition. Either snapshot may be nil.
func NewHistoryRecord(dependencyID string, change schemas.ChangeType, prev, next *schemas.Dependency, reason string, at time.Time) (schemas.DependencyHistory, error) {
	encode := func(d *schemas.Dependency) (string, error) {
		if d == nil {
			return "{}", nil
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return "", fmt.Errorf("failed to marshal edge snapshot: %w", err)
		}
		return string(raw), nil
	}

	prevJSON, err := encode(prev)
	if err != nil {
		return schemas.DependencyHistory{}, err
	}
	nextJSON, err := encode(next)
	if err != nil {
		return schemas.DependencyHistory{}, err
	}

	return schemas.DependencyHistory{
		ID:            newID(),
		DependencyID:  dependencyID,
		ChangeType:    change,
		PreviousState: prevJSON,
		NewState:      nextJSON,
		Reason:        reason,
		OccurredAt:    at.UTC(),
	}, nil
}

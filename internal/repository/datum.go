package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-datum/internal/models"

	"go.uber.org/zap"
)

// datumTable 节点和位置数据表共用的持久化实现
type datumTable struct {
	db       *sql.DB
	logger   *zap.Logger
	table    string
	kind     models.Kind
	location bool
}

func (t *datumTable) keyColumns() string {
	if t.location {
		return "created, location_id, source_id"
	}
	return "created, source_id"
}

// storeDatum inserts d. A row with the same key is only rewritten when its
// samples differ, and is then marked for upload again.
func (t *datumTable) storeDatum(ctx context.Context, d *models.Datum) error {
	if !d.Valid() {
		return fmt.Errorf("cannot store invalid datum in %s", t.table)
	}
	if d.Kind != t.kind {
		return fmt.Errorf("cannot store %s datum in %s", d.Kind, t.table)
	}
	jdata, err := json.Marshal(d.Samples)
	if err != nil {
		return fmt.Errorf("failed to marshal samples: %w", err)
	}

	var query string
	var args []any
	if t.location {
		query = fmt.Sprintf(`
			INSERT INTO %[1]s (created, location_id, source_id, jdata)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (%[2]s) DO UPDATE
			SET jdata = EXCLUDED.jdata, uploaded = NULL
			WHERE %[1]s.jdata IS DISTINCT FROM EXCLUDED.jdata
		`, t.table, t.keyColumns())
		args = []any{d.Timestamp.UTC(), d.LocationID, d.SourceID, jdata}
	} else {
		query = fmt.Sprintf(`
			INSERT INTO %[1]s (created, source_id, jdata)
			VALUES ($1, $2, $3)
			ON CONFLICT (%[2]s) DO UPDATE
			SET jdata = EXCLUDED.jdata, uploaded = NULL
			WHERE %[1]s.jdata IS DISTINCT FROM EXCLUDED.jdata
		`, t.table, t.keyColumns())
		args = []any{d.Timestamp.UTC(), d.SourceID, jdata}
	}

	result, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to store datum: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		t.logger.Debug("Datum unchanged, not stored",
			zap.String("table", t.table),
			zap.String("source_id", d.SourceID),
			zap.Time("created", d.Timestamp),
		)
	}
	return nil
}

// markUploaded 记录上传时间
func (t *datumTable) markUploaded(ctx context.Context, d *models.Datum, uploaded time.Time) error {
	var query string
	var args []any
	if t.location {
		query = fmt.Sprintf(`UPDATE %s SET uploaded = $1 WHERE created = $2 AND location_id = $3 AND source_id = $4`, t.table)
		args = []any{uploaded.UTC(), d.Timestamp.UTC(), d.LocationID, d.SourceID}
	} else {
		query = fmt.Sprintf(`UPDATE %s SET uploaded = $1 WHERE created = $2 AND source_id = $3`, t.table)
		args = []any{uploaded.UTC(), d.Timestamp.UTC(), d.SourceID}
	}

	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark datum uploaded: %w", err)
	}
	return nil
}

// deleteUploadedOlderThan 删除 cutoff 之前创建且已上传的行
func (t *datumTable) deleteUploadedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE uploaded IS NOT NULL AND created < $1`, t.table)
	result, err := t.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete uploaded datum: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// findNotUploaded returns up to limit rows without an upload date, oldest first.
// Rows whose samples cannot be decoded are marked uploaded so they leave the
// backlog instead of blocking it.
func (t *datumTable) findNotUploaded(ctx context.Context, limit int) ([]*models.Datum, error) {
	result, invalid, err := t.scanNotUploaded(ctx, limit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, d := range invalid {
		if err := t.markUploaded(ctx, d, now); err != nil {
			t.logger.Error("Failed to retire datum with invalid samples",
				zap.String("table", t.table),
				zap.String("source_id", d.SourceID),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

// scanNotUploaded reads the backlog; rows with undecodable samples come back
// separately, keyed but without samples.
func (t *datumTable) scanNotUploaded(ctx context.Context, limit int) (valid, invalid []*models.Datum, err error) {
	locationCol := "''"
	if t.location {
		locationCol = "location_id"
	}
	query := fmt.Sprintf(`
		SELECT created, %s, source_id, jdata
		FROM %s
		WHERE uploaded IS NULL
		ORDER BY created, source_id
		LIMIT $1
	`, locationCol, t.table)

	rows, err := t.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query datum for upload: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var created time.Time
		var locationID, sourceID string
		var jdata []byte
		if err := rows.Scan(&created, &locationID, &sourceID, &jdata); err != nil {
			return nil, nil, fmt.Errorf("failed to scan datum: %w", err)
		}

		samples := models.NewSamples()
		decoded := true
		if len(jdata) > 0 {
			if err := json.Unmarshal(jdata, samples); err != nil {
				t.logger.Warn("Retiring datum with invalid samples",
					zap.String("table", t.table),
					zap.String("source_id", sourceID),
					zap.Error(err),
				)
				samples, decoded = nil, false
			}
		}

		var d *models.Datum
		if t.location {
			d = models.NewLocationDatum(locationID, sourceID, created, samples)
		} else {
			d = models.NewNodeDatum(sourceID, created, samples)
		}
		if decoded {
			valid = append(valid, d)
		} else {
			invalid = append(invalid, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate datum: %w", err)
	}
	return valid, invalid, nil
}

// NodeDatumRepository 节点数据仓库（datum_node 表）
type NodeDatumRepository struct {
	t datumTable
}

// NewNodeDatumRepository 创建节点数据仓库
func NewNodeDatumRepository(db *sql.DB, logger *zap.Logger) *NodeDatumRepository {
	return &NodeDatumRepository{t: datumTable{db: db, logger: logger, table: "datum_node", kind: models.KindNode}}
}

// StoreDatum inserts or updates d.
func (r *NodeDatumRepository) StoreDatum(ctx context.Context, d *models.Datum) error {
	return r.t.storeDatum(ctx, d)
}

// MarkUploaded records the upload date of d.
func (r *NodeDatumRepository) MarkUploaded(ctx context.Context, d *models.Datum, uploaded time.Time) error {
	return r.t.markUploaded(ctx, d, uploaded)
}

// DeleteUploadedOlderThan removes uploaded datum created before cutoff.
func (r *NodeDatumRepository) DeleteUploadedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.t.deleteUploadedOlderThan(ctx, cutoff)
}

// FindNotUploaded returns up to limit datum awaiting upload.
func (r *NodeDatumRepository) FindNotUploaded(ctx context.Context, limit int) ([]*models.Datum, error) {
	return r.t.findNotUploaded(ctx, limit)
}

// LocationDatumRepository 位置数据仓库（datum_location 表）
type LocationDatumRepository struct {
	t datumTable
}

// NewLocationDatumRepository 创建位置数据仓库
func NewLocationDatumRepository(db *sql.DB, logger *zap.Logger) *LocationDatumRepository {
	return &LocationDatumRepository{t: datumTable{db: db, logger: logger, table: "datum_location", kind: models.KindLocation, location: true}}
}

// StoreDatum inserts or updates d.
func (r *LocationDatumRepository) StoreDatum(ctx context.Context, d *models.Datum) error {
	return r.t.storeDatum(ctx, d)
}

// MarkUploaded records the upload date of d.
func (r *LocationDatumRepository) MarkUploaded(ctx context.Context, d *models.Datum, uploaded time.Time) error {
	return r.t.markUploaded(ctx, d, uploaded)
}

// DeleteUploadedOlderThan removes uploaded datum created before cutoff.
func (r *LocationDatumRepository) DeleteUploadedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.t.deleteUploadedOlderThan(ctx, cutoff)
}

// FindNotUploaded returns up to limit datum awaiting upload.
func (r *LocationDatumRepository) FindNotUploaded(ctx context.Context, limit int) ([]*models.Datum, error) {
	return r.t.findNotUploaded(ctx, limit)
}

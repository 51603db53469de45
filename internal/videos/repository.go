package videos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamvault/backend/internal/models"
)

const videoColumns = `id, original_name, size, upload_date, local_path,
	metadata, storage, status, artifacts,
	view_count, tags, COALESCE(category,''), favorite, COALESCE(share_id,''), created_at, updated_at`

// Repository persists video records in PostgreSQL. The introspected
// metadata, storage record, processing status and stream artifacts travel
// as JSONB documents.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new video record at upload acceptance.
func (r *Repository) Create(ctx context.Context, v *models.VideoRecord) error {
	const q = `INSERT INTO videos (id, original_name, size, upload_date, local_path, metadata, storage, status, artifacts, tags, category, share_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q,
		v.ID, v.OriginalName, v.Size, v.UploadDate, v.LocalPath,
		v.Metadata, v.Storage, v.Status, v.Artifacts,
		v.Tags, v.Category, v.ShareID,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
}

// GetByID returns a video record, or models.ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.VideoRecord, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, q, id))
}

// FindByShareID resolves a share link to its video record.
func (r *Repository) FindByShareID(ctx context.Context, shareID string) (*models.VideoRecord, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE share_id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, q, shareID))
}

// ListAll returns every video record, most recent upload first.
func (r *Repository) ListAll(ctx context.Context) ([]models.VideoRecord, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos ORDER BY upload_date DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.VideoRecord
	for rows.Next() {
		v, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *v)
	}
	return list, rows.Err()
}

// UpdateStorage sets the storage record. Written once by the
// orchestrator's initial upload step.
func (r *Repository) UpdateStorage(ctx context.Context, id uuid.UUID, rec models.StorageRecord) error {
	const q = `UPDATE videos SET storage = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, rec, id)
	return err
}

// UpdateStatus replaces the processing status. The orchestrator run is
// the sole writer for its video.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ProcessingStatus) error {
	const q = `UPDATE videos SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, id)
	return err
}

// UpdateArtifacts replaces the stream artifacts.
func (r *Repository) UpdateArtifacts(ctx context.Context, id uuid.UUID, artifacts models.StreamArtifacts) error {
	const q = `UPDATE videos SET artifacts = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, artifacts, id)
	return err
}

// UpdateLocalPath records where the original currently lives on disk
// (cleared by cleanup once the cloud copy is confirmed).
func (r *Repository) UpdateLocalPath(ctx context.Context, id uuid.UUID, localPath string) error {
	const q = `UPDATE videos SET local_path = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, localPath, id)
	return err
}

// IncrementViewCount bumps the view counter.
func (r *Repository) IncrementViewCount(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE videos SET view_count = view_count + 1, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// Delete removes the record. Underlying cloud objects are left in place
// unless the caller explicitly purges them first.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *Repository) scanOne(row pgx.Row) (*models.VideoRecord, error) {
	v, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func scanRecord(row pgx.Row) (*models.VideoRecord, error) {
	var v models.VideoRecord
	err := row.Scan(
		&v.ID, &v.OriginalName, &v.Size, &v.UploadDate, &v.LocalPath,
		&v.Metadata, &v.Storage, &v.Status, &v.Artifacts,
		&v.ViewCount, &v.Tags, &v.Category, &v.Favorite, &v.ShareID, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

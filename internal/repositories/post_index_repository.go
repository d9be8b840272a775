package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/models"
)

// ErrDuplicateID is returned when a post id is already registered at another path.
var ErrDuplicateID = errors.New("post id already registered")

// PostIndexRepository defines the global post id registry
type PostIndexRepository interface {
	Register(ctx context.Context, path docpath.Path) error
	Locate(ctx context.Context, id string) (docpath.Path, error)
	Remove(ctx context.Context, id string) error
}

// PostgresPostIndexRepository implements PostIndexRepository for PostgreSQL
type PostgresPostIndexRepository struct {
	db *gorm.DB
}

// NewPostgresPostIndexRepository creates a new PostgresPostIndexRepository
func NewPostgresPostIndexRepository(db *gorm.DB) *PostgresPostIndexRepository {
	return &PostgresPostIndexRepository{db: db}
}

// Register records the path of a post under its id. Registering the same
// path twice is a no-op.
func (r *PostgresPostIndexRepository) Register(ctx context.Context, path docpath.Path) error {
	entry := models.PostIndex{ID: path.ID(), Path: path.String()}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	existing, err := r.Locate(ctx, path.ID())
	if err != nil {
		return err
	}
	if existing.String() != path.String() {
		return fmt.Errorf("%w: %s at %s", ErrDuplicateID, path.ID(), existing)
	}
	return nil
}

// Locate resolves id to its full path. Unknown ids yield a *docstore.NotFoundError.
func (r *PostgresPostIndexRepository) Locate(ctx context.Context, id string) (docpath.Path, error) {
	var entry models.PostIndex
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return docpath.Path{}, &docstore.NotFoundError{Path: "post_index/" + id}
	}
	if err != nil {
		return docpath.Path{}, err
	}
	return docpath.Parse(entry.Path)
}

// Remove drops the registration of id.
func (r *PostgresPostIndexRepository) Remove(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.PostIndex{}, "id = ?", id).Error
}

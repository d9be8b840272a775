package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/anonto42/tilt/backend/internal/models"
)

// DuplicateNameError is returned when a display name is held by another user.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("name %q is already taken", e.Name)
}

// UsernameRepository defines the interface for display name reservations
type UsernameRepository interface {
	Reserve(ctx context.Context, uid, name string) error
	NameOf(ctx context.Context, uid string) (string, error)
}

// PostgresUsernameRepository implements UsernameRepository for PostgreSQL
type PostgresUsernameRepository struct {
	db *gorm.DB
}

// NewPostgresUsernameRepository creates a new PostgresUsernameRepository
func NewPostgresUsernameRepository(db *gorm.DB) *PostgresUsernameRepository {
	return &PostgresUsernameRepository{db: db}
}

// Reserve gives name to uid, releasing the name uid held before. Reserving
// the name uid already holds is a no-op.
func (r *PostgresUsernameRepository) Reserve(ctx context.Context, uid, name string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var held models.UsernameReservation
		err := tx.Where("name = ?", name).First(&held).Error
		switch {
		case err == nil && held.UID == uid:
			return nil
		case err == nil:
			return &DuplicateNameError{Name: name}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		if err := tx.Where("uid = ?", uid).Delete(&models.UsernameReservation{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.UsernameReservation{Name: name, UID: uid}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &DuplicateNameError{Name: name}
	}
	return err
}

// NameOf returns the name held by uid, or "" when it holds none.
func (r *PostgresUsernameRepository) NameOf(ctx context.Context, uid string) (string, error) {
	var held models.UsernameReservation
	err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&held).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return held.Name, err
}

// AutoMigrate creates the registry tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.PostIndex{}, &models.UsernameReservation{})
}

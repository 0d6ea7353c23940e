// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Session
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a session is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - A session row whose stored number pool fails to parse is treated as
//     not found; the corrupt row is deleted as a side effect and no error is
//     surfaced beyond ErrNotFound (self-healing reads).
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chama-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrStalePool is returned by SwapPool when the stored pool no longer matches
// the value the caller read, meaning another draw committed in between.
var ErrStalePool = errors.New("pool changed concurrently")

// CreateSession inserts a new session row. The caller supplies a fully built
// session (id, metadata, initial pool); CreatedAt defaults to UTC now when
// unset so replicas reconstructed from a link keep their original timestamp.
func CreateSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(s).Error
}

// SaveSession upserts the session row, overwriting any existing record with
// the same id. Used both for persisting replicas synthesized from a link and
// for committing pool updates.
func SaveSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(s).Error
}

// GetSession fetches a session by id. A missing row yields ErrNotFound. A row
// whose pool column is unparseable is deleted and also reported as
// ErrNotFound, so callers never observe corrupt state.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	var s domain.Session
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	if _, err := s.Available(); err != nil {
		if errors.Is(err, domain.ErrCorruptPool) {
			// Best effort; the read result is ErrNotFound either way.
			_ = db.WithContext(ctx).Delete(&domain.Session{}, "id = ?", id).Error
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// UpdatePool persists a session's remaining pool column. Returns ErrNotFound
// when no row was touched.
func UpdatePool(ctx context.Context, db *gorm.DB, id, pool string) error {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", id).
		Update("pool", pool)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SwapPool replaces the pool column only while it still holds expected
// (optimistic concurrency for the draw commit). When no row matches — the
// pool moved on or the session was deleted — it returns ErrStalePool and the
// caller re-reads to find out which.
func SwapPool(ctx context.Context, db *gorm.DB, id, expected, next string) error {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND pool = ?", id, expected).
		Update("pool", next)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStalePool
	}
	return nil
}

// DeleteSession removes a session row; its draws go with it via the FK
// cascade. Deleting a missing id is not an error.
func DeleteSession(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Delete(&domain.Session{}, "id = ?", id).Error
}

// DeleteExpired removes every session whose CreatedAt is further than ttl in
// the past relative to now, returning the number of rows purged. Run once at
// process start (cooperative garbage collection, not scheduled).
func DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time, ttl time.Duration) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", now.Add(-ttl)).
		Delete(&domain.Session{})
	return res.RowsAffected, res.Error
}

// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Draw model
// and the aggregate stats query used for conditional responses.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chama-backend/internal/domain"
)

// ErrDuplicate indicates that a draw already exists for the given
// (session_id, fingerprint) or (session_id, number) pair.
var ErrDuplicate = errors.New("duplicate")

// CreateDraw inserts a draw record. The row id is a fresh UUID and CreatedAt
// is set to UTC now when unset. Unique-index violations surface as
// ErrDuplicate so callers can distinguish a repeat draw from a DB failure.
func CreateDraw(ctx context.Context, db *gorm.DB, sessionID, fingerprint string, number int) (*domain.Draw, error) {
	d := &domain.Draw{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Fingerprint: fingerprint,
		Number:      number,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(d).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return d, nil
}

// GetDrawByFingerprint fetches the draw a fingerprint holds in a session, or
// ErrNotFound when that participant has not drawn.
func GetDrawByFingerprint(ctx context.Context, db *gorm.DB, sessionID, fingerprint string) (*domain.Draw, error) {
	var d domain.Draw
	err := db.WithContext(ctx).
		Where("session_id = ? AND fingerprint = ?", sessionID, fingerprint).
		First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDraws returns all draws for a session in draw order (CreatedAt ASC,
// ID ASC as a deterministic tiebreak).
func ListDraws(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.Draw, error) {
	var out []domain.Draw
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ListDrawsPage returns a paginated slice of a session's draws in draw order.
// The caller computes offset and limit (e.g., (page-1)*pageSize).
func ListDrawsPage(ctx context.Context, db *gorm.DB, sessionID string, offset, limit int) ([]domain.Draw, error) {
	var out []domain.Draw
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountDraws returns the number of draws recorded for a session.
func CountDraws(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Draw{}).
		Where("session_id = ?", sessionID).
		Count(&total).Error
	return total, err
}

// DrawStats returns aggregate metadata for a session's draws: the total
// number of rows and the latest CreatedAt among them. Used for weak ETag
// generation on the results endpoint. When the session has no draws, the
// count is 0 and latest is nil.
func DrawStats(ctx context.Context, db *gorm.DB, sessionID string) (count int64, latest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Draw{}).Where("session_id = ?", sessionID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

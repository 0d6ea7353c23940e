// Package domain defines the persistence models for draw sessions and their
// draw records. These types are mapped with GORM and form the core data layer
// of the chama draw application.
package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrCorruptPool indicates that a session's stored number pool cannot be
// parsed. Callers in the repository layer treat such a record as absent and
// remove it (self-healing reads).
var ErrCorruptPool = errors.New("corrupt number pool")

// Session represents one group's rotation draw. The universe of assignable
// numbers is fixed at creation (1..GroupSize); the remaining pool shrinks as
// participants draw.
//
// Fields:
//   - ID: stable UUID primary key (char(36)), opaque to clients.
//   - GroupName / GroupDescription: display strings, immutable after creation.
//   - GroupSize: fixed member count in [2,100].
//   - Pool: JSON-encoded array of the numbers still available. Kept on the
//     session row so the whole replica state travels as one record.
//   - CreatedAt: creation timestamp; defines the expiry horizon.
//   - Draws: child draw records in draw order.
type Session struct {
	ID               string    `json:"id"                gorm:"type:char(36);primaryKey"`
	GroupName        string    `json:"group_name"        gorm:"type:varchar(255);not null;default:'Chama Group'"`
	GroupDescription string    `json:"group_description" gorm:"type:text;not null;default:''"`
	GroupSize        int       `json:"group_size"        gorm:"not null;check:group_size BETWEEN 2 AND 100"`
	Pool             string    `json:"-"                 gorm:"type:text;not null"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	// Draws are cascade-deleted with their session.
	Draws []Draw `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// Draw represents one participant's assigned number within a session.
// Uniqueness of both the fingerprint and the number per session is enforced
// by composite unique indexes.
type Draw struct {
	ID          string    `json:"id"          gorm:"type:char(36);primaryKey"`
	SessionID   string    `json:"session_id"  gorm:"type:char(36);not null;index;uniqueIndex:ux_draw_session_fingerprint,priority:1;uniqueIndex:ux_draw_session_number,priority:1"`
	Fingerprint string    `json:"-"           gorm:"type:varchar(64);not null;uniqueIndex:ux_draw_session_fingerprint,priority:2"`
	Number      int       `json:"number"      gorm:"not null;uniqueIndex:ux_draw_session_number,priority:2"`
	CreatedAt   time.Time `json:"timestamp"`

	Session Session `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Draw.
func (Draw) TableName() string { return "draws" }

// NewPool returns the full number universe 1..size in ascending order.
func NewPool(size int) []int {
	nums := make([]int, size)
	for i := range nums {
		nums[i] = i + 1
	}
	return nums
}

// Available decodes the remaining number pool. A session whose pool column
// does not hold a JSON integer array yields ErrCorruptPool.
func (s *Session) Available() ([]int, error) {
	var nums []int
	if err := json.Unmarshal([]byte(s.Pool), &nums); err != nil {
		return nil, ErrCorruptPool
	}
	return nums, nil
}

// SetAvailable encodes nums into the pool column. Encoding an int slice
// cannot fail.
func (s *Session) SetAvailable(nums []int) {
	if nums == nil {
		nums = []int{}
	}
	b, _ := json.Marshal(nums)
	s.Pool = string(b)
}

// Expired reports whether the session is past its lifetime at the given
// wall-clock instant.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

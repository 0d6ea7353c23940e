// Package services – SessionService
//
// This file implements the SessionService, which owns the session lifecycle:
// creation with group-size validation, shareable-link generation, resolution
// of incoming links (local-store hit or replica reconstruction from the
// encoded token), expiry enforcement, and the export artifact.
//
// Service-level errors (e.g., ErrSessionNotFound) are returned for
// predictable cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chama-backend/internal/domain"
	"github.com/tbourn/go-chama-backend/internal/repo"
	"github.com/tbourn/go-chama-backend/internal/token"
)

// Group-size bounds for a rotation draw.
const (
	MinGroupSize = 2
	MaxGroupSize = 100
)

// defaultGroupName is used when the creator leaves the name blank.
const defaultGroupName = "Chama Group"

// SessionRepo defines the repository contract required by SessionService.
// Implementations are responsible for persistence of session aggregates.
type SessionRepo interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, db *gorm.DB, s *domain.Session) error

	// SaveSession upserts a session row, overwriting an existing record.
	SaveSession(ctx context.Context, db *gorm.DB, s *domain.Session) error

	// GetSession fetches a session by id (self-healing on corrupt rows).
	GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error)

	// DeleteSession removes a session and its draws.
	DeleteSession(ctx context.Context, db *gorm.DB, id string) error

	// ListDraws returns a session's draws in draw order.
	ListDraws(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.Draw, error)

	// ListDrawsPage returns a page of a session's draws in draw order.
	ListDrawsPage(ctx context.Context, db *gorm.DB, sessionID string, offset, limit int) ([]domain.Draw, error)

	// CountDraws returns the number of draws recorded for a session.
	CountDraws(ctx context.Context, db *gorm.DB, sessionID string) (int64, error)
}

// SessionService provides session lifecycle operations: create, resolve from
// a link, and export. It enforces size limits and the expiry rule.
type SessionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the session repository used by this service.
	Repo SessionRepo

	// TTL is the session lifetime measured from CreatedAt.
	TTL time.Duration
	// BaseURL is the public origin used when building shareable links.
	BaseURL string
	// NameMaxLen caps stored group names by rune length.
	NameMaxLen int

	// Now returns the current time; a test seam.
	Now func() time.Time
}

// NewSessionService constructs a SessionService with sane defaults.
func NewSessionService(db *gorm.DB, r SessionRepo, baseURL string) *SessionService {
	return &SessionService{
		DB:         db,
		Repo:       r,
		TTL:        24 * time.Hour,
		BaseURL:    baseURL,
		NameMaxLen: 60,
		Now:        time.Now,
	}
}

// Create validates the group size, builds and persists the initial session,
// and returns it together with the shareable link embedding the encoded
// creation metadata.
func (s *SessionService) Create(ctx context.Context, groupName string, groupSize int, groupDescription string) (*domain.Session, string, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(attribute.Int("group.size", groupSize)),
	)
	defer span.End()

	if groupSize < MinGroupSize || groupSize > MaxGroupSize {
		return nil, "", ErrInvalidGroupSize
	}

	groupName = normalizeName(groupName)
	if groupName == "" {
		groupName = defaultGroupName
	}

	sess := &domain.Session{
		ID:               uuid.NewString(),
		GroupName:        s.clip(groupName),
		GroupDescription: strings.TrimSpace(groupDescription),
		GroupSize:        groupSize,
		CreatedAt:        s.now().UTC(),
	}
	sess.SetAvailable(domain.NewPool(groupSize))

	if err := s.Repo.CreateSession(ctx, s.DB, sess); err != nil {
		return nil, "", err
	}
	return sess, s.ShareLink(sess), nil
}

// ShareLink builds the shareable link for a session:
// <base>/#draw/<id>/<encodedToken>.
func (s *SessionService) ShareLink(sess *domain.Session) string {
	tok := token.Encode(token.Metadata{
		GroupName:        sess.GroupName,
		GroupSize:        sess.GroupSize,
		GroupDescription: sess.GroupDescription,
		CreatedAt:        sess.CreatedAt,
	})
	return strings.TrimRight(s.BaseURL, "/") + "/#draw/" + sess.ID + "/" + tok
}

// Resolve returns the local replica for sessionID. On a store miss with a
// decodable token, it synthesizes a fresh replica (full pool, no draws) from
// the link metadata and persists it. A miss with no usable token yields
// ErrSessionNotFound. Sessions past their TTL are deleted and reported as
// ErrSessionExpired, whichever path produced them.
func (s *SessionService) Resolve(ctx context.Context, sessionID, encodedToken string) (*domain.Session, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Bool("link.token", encodedToken != ""),
		),
	)
	defer span.End()

	sess, err := s.Repo.GetSession(ctx, s.DB, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		sess, err = s.rebuildFromToken(ctx, sessionID, encodedToken)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if sess.Expired(s.now(), s.TTL) {
		if err := s.Repo.DeleteSession(ctx, s.DB, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// rebuildFromToken synthesizes and persists a replica from link metadata.
// An absent or malformed token means the link carries no usable session data.
func (s *SessionService) rebuildFromToken(ctx context.Context, sessionID, encodedToken string) (*domain.Session, error) {
	if encodedToken == "" {
		return nil, ErrSessionNotFound
	}
	meta, err := token.Decode(encodedToken)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if meta.GroupSize < MinGroupSize || meta.GroupSize > MaxGroupSize {
		return nil, ErrSessionNotFound
	}

	name := normalizeName(meta.GroupName)
	if name == "" {
		name = defaultGroupName
	}
	sess := &domain.Session{
		ID:               sessionID,
		GroupName:        s.clip(name),
		GroupDescription: strings.TrimSpace(meta.GroupDescription),
		GroupSize:        meta.GroupSize,
		CreatedAt:        meta.CreatedAt,
	}
	sess.SetAvailable(domain.NewPool(meta.GroupSize))

	if err := s.Repo.SaveSession(ctx, s.DB, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Results returns one page of a session's draws in draw order together with
// the total count. The session must exist locally and be within its lifetime.
func (s *SessionService) Results(ctx context.Context, sessionID string, page, pageSize int) ([]domain.Draw, int64, error) {
	if _, err := s.Resolve(ctx, sessionID, ""); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	total, err := s.Repo.CountDraws(ctx, s.DB, sessionID)
	if err != nil {
		return nil, 0, err
	}
	draws, err := s.Repo.ListDrawsPage(ctx, s.DB, sessionID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return draws, total, nil
}

// DrawRecord is one drawn number in the export artifact. Fingerprints are
// deliberately omitted from anything that leaves the service.
type DrawRecord struct {
	Number    int       `json:"number"`
	Timestamp time.Time `json:"timestamp"`
}

// Export is the downloadable results document for a session. Field names
// match the artifact the web client produced so existing tooling keeps
// working.
type Export struct {
	GroupName        string       `json:"groupName"`
	GroupSize        int          `json:"groupSize"`
	GroupDescription string       `json:"groupDescription"`
	SessionID        string       `json:"sessionId"`
	CreatedAt        time.Time    `json:"createdAt"`
	DrawnNumbers     []DrawRecord `json:"drawnNumbers"`
	AvailableNumbers []int        `json:"availableNumbers"`
	Progress         string       `json:"progress"`
}

// BuildExport assembles the export artifact for a stored session. Expired
// sessions are rejected the same way Resolve rejects them.
func (s *SessionService) BuildExport(ctx context.Context, sessionID string) (*Export, error) {
	sess, err := s.Resolve(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	available, err := sess.Available()
	if err != nil {
		return nil, err
	}
	draws, err := s.Repo.ListDraws(ctx, s.DB, sessionID)
	if err != nil {
		return nil, err
	}

	records := make([]DrawRecord, 0, len(draws))
	for _, d := range draws {
		records = append(records, DrawRecord{Number: d.Number, Timestamp: d.CreatedAt})
	}
	return &Export{
		GroupName:        sess.GroupName,
		GroupSize:        sess.GroupSize,
		GroupDescription: sess.GroupDescription,
		SessionID:        sess.ID,
		CreatedAt:        sess.CreatedAt,
		DrawnNumbers:     records,
		AvailableNumbers: available,
		Progress:         fmt.Sprintf("%d/%d", len(records), sess.GroupSize),
	}, nil
}

// now guards against a zero Now seam when the struct is built directly.
func (s *SessionService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// clip truncates a group name to the configured maximum rune length.
func (s *SessionService) clip(name string) string {
	if s.NameMaxLen > 0 && utf8.RuneCountInString(name) > s.NameMaxLen {
		return string([]rune(name)[:s.NameMaxLen])
	}
	return name
}

// normalizeName trims whitespace and collapses multiple spaces to one.
func normalizeName(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)

// Package services – DrawService
//
// This file implements DrawService, the engine that assigns a participant a
// uniformly random number from a session's remaining pool. The operation is
// check-then-draw-then-commit: precondition failures never write, and a
// successful draw commits the draw record and the shrunken pool in one
// transaction.
//
// The random source and the pacing delay are injected so tests can assert
// exact outcomes and run synchronously; production uses math/rand and the
// configured suspense delay.
package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chama-backend/internal/domain"
	"github.com/tbourn/go-chama-backend/internal/repo"
)

// DrawRepo defines the repository contract required by DrawService.
type DrawRepo interface {
	// CreateDraw inserts a draw record; repeat fingerprints or numbers
	// surface as repo.ErrDuplicate.
	CreateDraw(ctx context.Context, db *gorm.DB, sessionID, fingerprint string, number int) (*domain.Draw, error)

	// GetDrawByFingerprint returns the draw a fingerprint holds, or
	// repo.ErrNotFound.
	GetDrawByFingerprint(ctx context.Context, db *gorm.DB, sessionID, fingerprint string) (*domain.Draw, error)

	// GetSession fetches the session aggregate.
	GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error)

	// SwapPool persists a session's remaining pool only while the stored
	// value still matches expected; repo.ErrStalePool otherwise.
	SwapPool(ctx context.Context, db *gorm.DB, id, expected, next string) error
}

// DrawService performs the number draw for a participant fingerprint.
type DrawService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the draw repository used by this service.
	Repo DrawRepo

	// TTL is the session lifetime; draws on older sessions are rejected.
	TTL time.Duration
	// Delay is the artificial suspense pause awaited before committing.
	Delay time.Duration

	// IntN returns a uniform value in [0,n); a test seam over math/rand.
	IntN func(n int) int
	// Sleep awaits the pacing delay; a test seam that honors ctx so a
	// caller abandoning the request does not pin a goroutine.
	Sleep func(ctx context.Context, d time.Duration)
}

// NewDrawService constructs a DrawService with production defaults: 24h
// session lifetime, 800ms pacing delay, math/rand selection.
func NewDrawService(db *gorm.DB, r DrawRepo) *DrawService {
	return &DrawService{
		DB:    db,
		Repo:  r,
		TTL:   24 * time.Hour,
		Delay: 800 * time.Millisecond,
		IntN:  rand.Intn,
		Sleep: sleepCtx,
	}
}

// Draw assigns a random remaining number to fingerprint within sessionID.
//
// Preconditions are checked in order: a fingerprint that already holds a
// number fails with ErrAlreadyDrawn; an empty pool fails with ErrExhausted.
// Expired or unknown sessions fail with ErrSessionExpired/ErrSessionNotFound.
//
// The draw record and the shrunken pool commit in one transaction. The pool
// write is compare-and-swap guarded: if another participant committed
// between this request's pool read and its commit — routine during the
// suspense pause — the transaction rolls back and the selection is retried
// against the refreshed pool, keeping drawn and available numbers disjoint.
// On failure no write survives.
func (s *DrawService) Draw(ctx context.Context, sessionID, fingerprint string) (*domain.Draw, error) {
	tr := otel.Tracer("services/DrawService")
	ctx, span := tr.Start(ctx, "Draw",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	sess, err := s.Repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.Expired(time.Now(), s.TTL) {
		return nil, ErrSessionExpired
	}

	// Precondition 1: at most one draw per fingerprint.
	if _, err := s.Repo.GetDrawByFingerprint(ctx, s.DB, sessionID, fingerprint); err == nil {
		return nil, ErrAlreadyDrawn
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	// Precondition 2: numbers remain.
	if nums, err := sess.Available(); err != nil {
		return nil, err
	} else if len(nums) == 0 {
		return nil, ErrExhausted
	}

	// Suspense pause; once it elapses the draw commits unconditionally.
	// Pausing before the selection is exactly why the commit below cannot
	// trust the pool read above: other participants draw meanwhile.
	if s.Delay > 0 && s.Sleep != nil {
		s.Sleep(ctx, s.Delay)
	}

	for {
		nums, err := sess.Available()
		if err != nil {
			return nil, err
		}
		if len(nums) == 0 {
			return nil, ErrExhausted
		}

		idx := s.intN(len(nums))
		number := nums[idx]
		prevPool := sess.Pool
		sess.SetAvailable(append(nums[:idx], nums[idx+1:]...))

		var drawn *domain.Draw
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			d, err := s.Repo.CreateDraw(ctx, tx, sessionID, fingerprint, number)
			if err != nil {
				return err
			}
			drawn = d
			// The swap only lands if nobody else committed since prevPool
			// was read; a miss rolls the insert back and we pick again.
			return s.Repo.SwapPool(ctx, tx, sessionID, prevPool, sess.Pool)
		})
		switch {
		case err == nil:
			return drawn, nil
		case errors.Is(err, repo.ErrDuplicate):
			// Unique indexes backstop both races: same fingerprint drawing
			// twice, or two fingerprints picking the same number off a
			// stale pool. Only the former is terminal.
			if _, lookErr := s.Repo.GetDrawByFingerprint(ctx, s.DB, sessionID, fingerprint); lookErr == nil {
				return nil, ErrAlreadyDrawn
			} else if !errors.Is(lookErr, repo.ErrNotFound) {
				return nil, lookErr
			}
		case errors.Is(err, repo.ErrStalePool):
			// Another participant committed during the pause; reload and
			// draw from the shrunken pool. Each retry means the pool lost a
			// number, so the loop terminates in at most GroupSize rounds.
		default:
			return nil, err
		}

		sess, err = s.Repo.GetSession(ctx, s.DB, sessionID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrSessionNotFound
			}
			return nil, err
		}
	}
}

// MyDraw is the idempotent read view: it returns the number the fingerprint
// already holds, or ErrNoDraw. It never mutates state.
func (s *DrawService) MyDraw(ctx context.Context, sessionID, fingerprint string) (*domain.Draw, error) {
	d, err := s.Repo.GetDrawByFingerprint(ctx, s.DB, sessionID, fingerprint)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNoDraw
		}
		return nil, err
	}
	return d, nil
}

// intN guards against a zero seam when the struct is built directly.
func (s *DrawService) intN(n int) int {
	if s.IntN != nil {
		return s.IntN(n)
	}
	return rand.Intn(n)
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

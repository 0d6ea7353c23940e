// Session HTTP handlers.
//
// This file exposes REST endpoints for draw-session resources:
//   - POST /sessions                 (create, returns shareable link)
//   - GET  /sessions/{id}            (resolve, replica synthesis from ?token=)
//   - GET  /sessions/{id}/results    (list draws, paginated, ETag support)
//   - GET  /sessions/{id}/export     (downloadable results document)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chama-backend/internal/domain"
	"github.com/tbourn/go-chama-backend/internal/fingerprint"
	"github.com/tbourn/go-chama-backend/internal/repo"
	"github.com/tbourn/go-chama-backend/internal/services"
	"github.com/tbourn/go-chama-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// SessionService defines session lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SessionService interface {
	// Create validates and persists a new session, returning it with its
	// shareable link.
	Create(ctx context.Context, groupName string, groupSize int, groupDescription string) (*domain.Session, string, error)
	// Resolve returns the session for an incoming link, synthesizing a
	// replica from the token when the store misses.
	Resolve(ctx context.Context, sessionID, encodedToken string) (*domain.Session, error)
	// ShareLink rebuilds the shareable link for a session.
	ShareLink(sess *domain.Session) string
	// Results returns a page of the session's draws and the total count.
	Results(ctx context.Context, sessionID string, page, pageSize int) ([]domain.Draw, int64, error)
	// BuildExport assembles the downloadable results document.
	BuildExport(ctx context.Context, sessionID string) (*services.Export, error)
}

// DrawService defines the draw operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type DrawService interface {
	// Draw assigns a random remaining number to a participant fingerprint.
	Draw(ctx context.Context, sessionID, fingerprint string) (*domain.Draw, error)
	// MyDraw returns the number a fingerprint already holds, if any.
	MyDraw(ctx context.Context, sessionID, fingerprint string) (*domain.Draw, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for sessions and draws. It depends on
// abstract service interfaces to keep transport concerns separate from
// business logic.
type Handlers struct {
	sessionSvc SessionService
	drawSvc    DrawService

	// ttl mirrors the service session lifetime so responses can surface
	// the expiry horizon to clients.
	ttl time.Duration
}

// New constructs and returns a Handlers instance bound to the given services.
func New(sessionSvc SessionService, drawSvc DrawService, ttl time.Duration) *Handlers {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handlers{sessionSvc: sessionSvc, drawSvc: drawSvc, ttl: ttl}
}

// deviceFingerprint extracts the participant identity from the Gin context
// (set by upstream middleware). If absent, it derives one from the request
// headers directly. It never touches c.Request if it's nil.
func deviceFingerprint(c *gin.Context) string {
	if v, ok := c.Get("fingerprint"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		return fingerprint.FromRequest(c.Request)
	}
	return ""
}

//
// DTOs
//

// CreateSessionRequest is the JSON payload for creating a draw session.
type CreateSessionRequest struct {
	// GroupName optionally names the group; a default is used when empty.
	GroupName string `json:"group_name" example:"Umoja Savings Circle"`
	// GroupSize is the fixed member count; also the number universe 1..N.
	GroupSize int `json:"group_size" binding:"required" example:"12"`
	// GroupDescription optionally describes the group.
	GroupDescription string `json:"group_description" example:"Monthly rotation, Nairobi chapter"`
}

// SessionResponse is the public view of a session. The remaining pool is
// reduced to a count so clients cannot infer which numbers are left.
type SessionResponse struct {
	ID               string    `json:"id"`
	GroupName        string    `json:"group_name"`
	GroupDescription string    `json:"group_description,omitempty"`
	GroupSize        int       `json:"group_size"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	DrawnCount       int       `json:"drawn_count"`
	AvailableCount   int       `json:"available_count"`
	// ShareLink is only populated on creation.
	ShareLink string `json:"share_link,omitempty"`
}

// ResultEntry is one drawn number in a results listing. Fingerprints never
// leave the server.
type ResultEntry struct {
	Number    int       `json:"number"`
	Timestamp time.Time `json:"timestamp"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListResultsResponse wraps a page of draw results and pagination information.
type ListResultsResponse struct {
	Results    []ResultEntry `json:"results"`
	Pagination Pagination    `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// sessionView projects a domain session into its public response shape.
func (h *Handlers) sessionView(sess *domain.Session, available, drawn int) SessionResponse {
	return SessionResponse{
		ID:               sess.ID,
		GroupName:        sess.GroupName,
		GroupDescription: sess.GroupDescription,
		GroupSize:        sess.GroupSize,
		CreatedAt:        sess.CreatedAt,
		ExpiresAt:        sess.CreatedAt.Add(h.ttl),
		DrawnCount:       drawn,
		AvailableCount:   available,
	}
}

// failSession maps shared session-resolution errors to HTTP results and
// reports whether err was handled.
func failSession(c *gin.Context, err error) bool {
	switch err {
	case nil:
		return false
	case services.ErrSessionNotFound:
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case services.ErrSessionExpired:
		fail(c, http.StatusGone, ErrCodeSessionExpired, "session expired")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
	return true
}

//
// Handlers
//

// CreateSession godoc
// @ID          createSession
// @Summary     Create a draw session
// @Description Creates a session for a group and returns it together with the shareable link.
// @Tags        Sessions
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.CreateSessionRequest  true  "Create session payload"
//
// @Success     201  {object}  handlers.SessionResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request / invalid group size"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions [post]
func (h *Handlers) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	sess, link, err := h.sessionSvc.Create(c.Request.Context(),
		strings.TrimSpace(req.GroupName), req.GroupSize, req.GroupDescription)
	if err != nil {
		if err == services.ErrInvalidGroupSize {
			fail(c, http.StatusBadRequest, ErrCodeInvalidGroupSize,
				fmt.Sprintf("group size must be between %d and %d", services.MinGroupSize, services.MaxGroupSize))
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}

	resp := h.sessionView(sess, sess.GroupSize, 0)
	resp.ShareLink = link
	ok(c, http.StatusCreated, resp)
}

// GetSession godoc
// @ID          getSession
// @Summary     Resolve a session
// @Description Returns the session state. On a local miss a replica is synthesized from the link token.
// @Tags        Sessions
// @Produce     json
//
// @Param       id     path   string  true   "Session ID"
// @Param       token  query  string  false  "Encoded link token (from the shareable URL)"
//
// @Success     200  {object}  handlers.SessionResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     410  {object}  handlers.ErrorResponse  "Session expired"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	ctx := c.Request.Context()

	sess, err := h.sessionSvc.Resolve(ctx, c.Param("id"), c.Query("token"))
	if failSession(c, err) {
		return
	}
	nums, err := sess.Available()
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, h.sessionView(sess, len(nums), sess.GroupSize-len(nums)))
}

// ListResults godoc
// @ID          listResults
// @Summary     List draw results (paginated)
// @Description Returns a page of the session's draws in draw order. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Sessions
// @Produce     json
//
// @Param       id             path    string  true  "Session ID"
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListResultsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     410  {object} handlers.ErrorResponse "Session expired"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/results [get]
func (h *Handlers) ListResults(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	page, pageSize := clampPagination(c)

	// Resolve the session first so gone/expired sessions answer 404/410 even
	// on conditional requests.
	draws, total, err := h.sessionSvc.Results(ctx, sessionID, page, pageSize)
	if failSession(c, err) {
		return
	}

	// ETag check (best effort): only for live sessions.
	var db *gorm.DB
	if svc, isConcrete := h.sessionSvc.(*services.SessionService); isConcrete {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, statErr := repo.DrawStats(ctx, db, sessionID)
		if statErr == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"results:%s:%d:%d"`, sessionID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	entries := make([]ResultEntry, 0, len(draws))
	for _, d := range draws {
		entries = append(entries, ResultEntry{Number: d.Number, Timestamp: d.CreatedAt})
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListResultsResponse{
		Results: entries,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// ExportSession godoc
// @ID          exportSession
// @Summary     Export session results
// @Description Returns the full results document as a JSON attachment.
// @Tags        Sessions
// @Produce     json
//
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object} services.Export
// @Header      200  {string} Content-Disposition "attachment; filename=chama-results-<id>.json"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     410  {object} handlers.ErrorResponse "Session expired"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/export [get]
func (h *Handlers) ExportSession(c *gin.Context) {
	sessionID := c.Param("id")

	exp, err := h.sessionSvc.BuildExport(c.Request.Context(), sessionID)
	if err != nil {
		switch err {
		case services.ErrSessionNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
		case services.ErrSessionExpired:
			fail(c, http.StatusGone, ErrCodeSessionExpired, "session expired")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeExportFailed, err.Error())
		}
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=chama-results-%s.json", sessionID))
	ok(c, http.StatusOK, exp)
}

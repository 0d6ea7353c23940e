package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chama-backend/internal/domain"
	"github.com/tbourn/go-chama-backend/internal/repo"
	"github.com/tbourn/go-chama-backend/internal/services"
	"github.com/tbourn/go-chama-backend/internal/token"
)

// ---------- test DB + repo shims ----------

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:session_handlers_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Enforce FKs and migrate schemas
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(&domain.Session{}, &domain.Draw{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Minimal shim implementing services.SessionRepo using repo package (like router.go)
type testSessionRepo struct{}

func (testSessionRepo) CreateSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	return repo.CreateSession(ctx, db, s)
}

func (testSessionRepo) SaveSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	return repo.SaveSession(ctx, db, s)
}

func (testSessionRepo) GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	return repo.GetSession(ctx, db, id)
}

func (testSessionRepo) DeleteSession(ctx context.Context, db *gorm.DB, id string) error {
	return repo.DeleteSession(ctx, db, id)
}

func (testSessionRepo) ListDraws(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.Draw, error) {
	return repo.ListDraws(ctx, db, sessionID)
}

func (testSessionRepo) ListDrawsPage(ctx context.Context, db *gorm.DB, sessionID string, offset, limit int) ([]domain.Draw, error) {
	return repo.ListDrawsPage(ctx, db, sessionID, offset, limit)
}

func (testSessionRepo) CountDraws(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	return repo.CountDraws(ctx, db, sessionID)
}

// Minimal shim implementing services.DrawRepo using repo package (like router.go)
type testDrawRepo struct{}

func (testDrawRepo) CreateDraw(ctx context.Context, db *gorm.DB, sessionID, fp string, number int) (*domain.Draw, error) {
	return repo.CreateDraw(ctx, db, sessionID, fp, number)
}

func (testDrawRepo) GetDrawByFingerprint(ctx context.Context, db *gorm.DB, sessionID, fp string) (*domain.Draw, error) {
	return repo.GetDrawByFingerprint(ctx, db, sessionID, fp)
}

func (testDrawRepo) GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	return repo.GetSession(ctx, db, id)
}

func (testDrawRepo) SwapPool(ctx context.Context, db *gorm.DB, id, expected, next string) error {
	return repo.SwapPool(ctx, db, id, expected, next)
}

// ---------- fixture ----------

type handlerFixture struct {
	router  *gin.Engine
	db      *gorm.DB
	sessSvc *services.SessionService
	drawSvc *services.DrawService
}

// newFixture wires real services over a fresh DB, mirroring router.go, and
// mounts the endpoints the handlers serve.
func newFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newHandlerDB(t)
	sessSvc := services.NewSessionService(db, testSessionRepo{}, "https://chama.example")
	drawSvc := services.NewDrawService(db, testDrawRepo{})
	drawSvc.Delay = 0 // tests run synchronously

	h := New(sessSvc, drawSvc, sessSvc.TTL)

	r := gin.New()
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/sessions/:id/results", h.ListResults)
	r.GET("/sessions/:id/export", h.ExportSession)
	r.POST("/sessions/:id/draws", h.PostDraw)
	r.GET("/sessions/:id/draws/me", h.GetMyDraw)

	return &handlerFixture{router: r, db: db, sessSvc: sessSvc, drawSvc: drawSvc}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *handlerFixture) createSession(t *testing.T, size int) SessionResponse {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sessions", CreateSessionRequest{
		GroupName: "Friends",
		GroupSize: size,
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body.String())
	}
	var resp SessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

// ---------- CreateSession ----------

func TestCreateSession_Created(t *testing.T) {
	f := newFixture(t)

	resp := f.createSession(t, 5)
	if resp.ID == "" || resp.GroupName != "Friends" || resp.GroupSize != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.AvailableCount != 5 || resp.DrawnCount != 0 {
		t.Fatalf("counts: %+v", resp)
	}
	wantPrefix := "https://chama.example/#draw/" + resp.ID + "/"
	if len(resp.ShareLink) <= len(wantPrefix) || resp.ShareLink[:len(wantPrefix)] != wantPrefix {
		t.Fatalf("share link = %q; want prefix %q", resp.ShareLink, wantPrefix)
	}
	if !resp.ExpiresAt.After(resp.CreatedAt) {
		t.Fatalf("expires %v not after created %v", resp.ExpiresAt, resp.CreatedAt)
	}
}

func TestCreateSession_BadJSON(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("{nope"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeBadRequest {
		t.Fatalf("code = %q", er.Code)
	}
}

func TestCreateSession_InvalidGroupSize(t *testing.T) {
	f := newFixture(t)

	for _, size := range []int{1, 101} {
		w := f.do(t, http.MethodPost, "/sessions", CreateSessionRequest{GroupSize: size}, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("size=%d status = %d", size, w.Code)
		}
		var er ErrorResponse
		_ = json.Unmarshal(w.Body.Bytes(), &er)
		if er.Code != ErrCodeInvalidGroupSize {
			t.Fatalf("size=%d code = %q", size, er.Code)
		}
	}
}

type stubSessionSvc struct{}

func (stubSessionSvc) Create(context.Context, string, int, string) (*domain.Session, string, error) {
	return nil, "", errors.New("boom")
}
func (stubSessionSvc) Resolve(context.Context, string, string) (*domain.Session, error) {
	return nil, errors.New("boom")
}
func (stubSessionSvc) ShareLink(*domain.Session) string { return "" }
func (stubSessionSvc) Results(context.Context, string, int, int) ([]domain.Draw, int64, error) {
	return nil, 0, errors.New("boom")
}
func (stubSessionSvc) BuildExport(context.Context, string) (*services.Export, error) {
	return nil, errors.New("boom")
}

func TestCreateSession_ServiceError_500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(stubSessionSvc{}, nil, 0)

	r := gin.New()
	r.POST("/sessions", h.CreateSession)

	body, _ := json.Marshal(CreateSessionRequest{GroupSize: 5})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeCreateFailed {
		t.Fatalf("code = %q", er.Code)
	}
}

// ---------- GetSession ----------

func TestGetSession_LocalHit(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t, 5)

	w := f.do(t, http.MethodGet, "/sessions/"+created.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp SessionResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ID != created.ID || resp.AvailableCount != 5 || resp.ShareLink != "" {
		t.Fatalf("unexpected body: %+v", resp)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/sessions/missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeNotFound {
		t.Fatalf("code = %q", er.Code)
	}
}

func TestGetSession_TokenSynthesizesReplica(t *testing.T) {
	f := newFixture(t)

	tok := token.Encode(token.Metadata{
		GroupName: "Remote Group",
		GroupSize: 7,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	w := f.do(t, http.MethodGet, "/sessions/from-a-link?token="+tok, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp SessionResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.GroupName != "Remote Group" || resp.GroupSize != 7 || resp.AvailableCount != 7 {
		t.Fatalf("unexpected replica: %+v", resp)
	}

	// Second visit without the token now hits the persisted replica.
	w2 := f.do(t, http.MethodGet, "/sessions/from-a-link", nil, nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("tokenless revisit status = %d", w2.Code)
	}
}

func TestGetSession_Expired_Gone(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t, 5)

	// Jump the service clock past the TTL.
	f.sessSvc.Now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	w := f.do(t, http.MethodGet, "/sessions/"+created.ID, nil, nil)
	if w.Code != http.StatusGone {
		t.Fatalf("status = %d", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeSessionExpired {
		t.Fatalf("code = %q", er.Code)
	}
}

// ---------- ListResults ----------

func TestListResults_PageAndETag(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t, 5)

	for _, fp := range []string{"fp1", "fp2", "fp3"} {
		w := f.do(t, http.MethodPost, "/sessions/"+created.ID+"/draws", nil,
			map[string]string{"X-Client-Fingerprint": fp})
		if w.Code != http.StatusCreated {
			t.Fatalf("draw(%s) status = %d", fp, w.Code)
		}
	}

	w := f.do(t, http.MethodGet, "/sessions/"+created.ID+"/results?page=1&page_size=2", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	var resp ListResultsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 2 || resp.Pagination.Total != 3 || !resp.Pagination.HasNext {
		t.Fatalf("unexpected page: %+v", resp)
	}

	// Conditional revalidation with the same state yields 304.
	w304 := f.do(t, http.MethodGet, "/sessions/"+created.ID+"/results", nil,
		map[string]string{"If-None-Match": etag})
	if w304.Code != http.StatusNotModified {
		t.Fatalf("revalidation status = %d", w304.Code)
	}
}

func TestListResults_ExpiredBeatsConditional(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t, 5)

	w := f.do(t, http.MethodPost, "/sessions/"+created.ID+"/draws", nil,
		map[string]string{"X-Client-Fingerprint": "fp1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("draw status = %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/sessions/"+created.ID+"/results", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}

	// Jump the service clock past the TTL: a revalidation must report the
	// expiry, not a 304 off the cached ETag.
	f.sessSvc.Now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	wExp := f.do(t, http.MethodGet, "/sessions/"+created.ID+"/results", nil,
		map[string]string{"If-None-Match": etag})
	if wExp.Code != http.StatusGone {
		t.Fatalf("revalidation status = %d; want 410", wExp.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(wExp.Body.Bytes(), &er)
	if er.Code != ErrCodeSessionExpired {
		t.Fatalf("code = %q", er.Code)
	}
}

func TestListResults_NotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/sessions/missing/results", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

// ---------- ExportSession ----------

func TestExportSession_AttachmentAndShape(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t, 5)

	w := f.do(t, http.MethodPost, "/sessions/"+created.ID+"/draws", nil,
		map[string]string{"X-Client-Fingerprint": "fp1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("draw status = %d", w.Code)
	}

	we := f.do(t, http.MethodGet, "/sessions/"+created.ID+"/export", nil, nil)
	if we.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", we.Code, we.Body.String())
	}
	wantCD := fmt.Sprintf("attachment; filename=chama-results-%s.json", created.ID)
	if got := we.Header().Get("Content-Disposition"); got != wantCD {
		t.Fatalf("Content-Disposition = %q; want %q", got, wantCD)
	}

	var exp services.Export
	if err := json.Unmarshal(we.Body.Bytes(), &exp); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if exp.SessionID != created.ID || exp.Progress != "1/5" {
		t.Fatalf("unexpected export: %+v", exp)
	}
	if len(exp.DrawnNumbers) != 1 || len(exp.AvailableNumbers) != 4 {
		t.Fatalf("export sets mismatch: %+v", exp)
	}
}

func TestExportSession_NotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/sessions/missing/export", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

// ---------- helpers ----------

func TestClampPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		query        string
		wantPage     int
		wantPageSize int
	}{
		{"", 1, 20},
		{"?page=3&page_size=50", 3, 50},
		{"?page=-1&page_size=0", 1, 1},
		{"?page=x&page_size=999", 1, 100},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)
		page, pageSize := clampPagination(c)
		if page != tc.wantPage || pageSize != tc.wantPageSize {
			t.Fatalf("clampPagination(%q) = (%d,%d); want (%d,%d)",
				tc.query, page, pageSize, tc.wantPage, tc.wantPageSize)
		}
	}
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marceconnect/marceconnect/internal/auth"
	"github.com/marceconnect/marceconnect/internal/middleware"
	"github.com/marceconnect/marceconnect/internal/model"
)

// --- モック定義 ---

// mockSessions はSessionManagerのモック実装。
type mockSessions struct {
	establishFn func(ctx context.Context, data model.SessionData) (*model.Session, error)
	destroyFn   func(ctx context.Context) error
	resolveFn   func(r *http.Request) (*model.Session, error)
	updateFn    func(ctx context.Context, sess *model.Session, data model.SessionData) error
	now         time.Time

	established []model.SessionData
	destroyed   int
}

func (m *mockSessions) Establish(ctx context.Context, w http.ResponseWriter, r *http.Request, data model.SessionData) (*model.Session, error) {
	m.established = append(m.established, data)
	if m.establishFn != nil {
		return m.establishFn(ctx, data)
	}
	return &model.Session{ID: "sess-1", Data: data, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *mockSessions) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	m.destroyed++
	if m.destroyFn != nil {
		return m.destroyFn(ctx)
	}
	return nil
}

func (m *mockSessions) Resolve(r *http.Request) (*model.Session, error) {
	if m.resolveFn != nil {
		return m.resolveFn(r)
	}
	return nil, nil
}

func (m *mockSessions) Update(ctx context.Context, w http.ResponseWriter, sess *model.Session, data model.SessionData) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, sess, data)
	}
	sess.Data = data
	return nil
}

func (m *mockSessions) Now() time.Time {
	if m.now.IsZero() {
		return time.Now()
	}
	return m.now
}

// mockRegistrar はRegistrarのモック実装。
type mockRegistrar struct {
	registerFn func(ctx context.Context, in auth.RegisterInput) (*model.User, error)
}

func (m *mockRegistrar) Register(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, in)
	}
	return nil, nil
}

// mockAuthenticator はauth.Authenticatorのモック実装。
type mockAuthenticator struct {
	authenticateFn func(r *http.Request) (*auth.Principal, error)
}

func (m *mockAuthenticator) Authenticate(r *http.Request) (*auth.Principal, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(r)
	}
	return nil, errors.New("not configured")
}

// mockMetrics はmetrics.MetricsCollectorのモック実装。ラベルごとの呼び出し回数を記録する。
type mockMetrics struct {
	mu            sync.Mutex
	logins        map[string]int
	registrations map[string]int
	refreshes     map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		logins:        make(map[string]int),
		registrations: make(map[string]int),
		refreshes:     make(map[string]int),
	}
}

func (m *mockMetrics) RecordLogin(strategy, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[strategy+"/"+result]++
}

func (m *mockMetrics) RecordRegistration(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations[result]++
}

func (m *mockMetrics) RecordTokenRefresh(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes[result]++
}

func (m *mockMetrics) RecordSessionsPruned(int64) {}
func (m *mockMetrics) RecordHTTPStatus(int) {}
func (m *mockMetrics) RecordRequestLatency(time.Duration) {}

// --- ヘルパー ---

func testUser(id string) *model.User {
	return &model.User{
		ID:          id,
		Email:       id + "@example.com",
		FirstName:   "Ana",
		LastName:    "Silva",
		AccountType: model.AccountTypeUser,
	}
}

func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func decodeSummary(t *testing.T, w *httptest.ResponseRecorder) UserSummary {
	t.Helper()
	var s UserSummary
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("failed to decode user summary: %v", err)
	}
	return s
}

// --- POST /api/auth/register ---

func TestAuthHandler_Register_Success(t *testing.T) {
	sessions := &mockSessions{}
	mc := newMockMetrics()
	reg := &mockRegistrar{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
			if in.Email != "ana@example.com" || in.AccountType != "USER" {
				t.Errorf("input = %+v", in)
			}
			return testUser("user-1"), nil
		},
	}
	h := NewAuthHandler(reg, &mockAuthenticator{}, sessions, mc)

	body := `{"email":"ana@example.com","password":"secret1","firstName":"Ana","accountType":"USER"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := decodeSummary(t, w); got.ID != "user-1" || got.AccountType != "USER" {
		t.Errorf("summary = %+v", got)
	}
	if len(sessions.established) != 1 {
		t.Fatalf("Establish calls = %d, want 1", len(sessions.established))
	}
	local, ok := sessions.established[0].(model.LocalSession)
	if !ok || local.UserID != "user-1" {
		t.Errorf("established = %#v, want LocalSession for user-1", sessions.established[0])
	}
	if mc.registrations["success"] != 1 {
		t.Errorf("registration success count = %d, want 1", mc.registrations["success"])
	}
}

func TestAuthHandler_Register_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "不正なJSON",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidRequest,
		},
		{
			name: "バリデーションエラー",
			body: `{}`,
			err: &auth.ValidationError{Fields: []model.FieldError{
				{Field: "email", Message: "This field is required."},
			}},
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeValidation,
		},
		{
			name:       "メールアドレス重複",
			body:       `{}`,
			err:        auth.ErrDuplicateEmail,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeEmailAlreadyRegistered,
		},
		{
			name:       "ストレージエラー",
			body:       `{}`,
			err:        errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   model.ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessions{}
			mc := newMockMetrics()
			reg := &mockRegistrar{
				registerFn: func(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
					return nil, tt.err
				},
			}
			h := NewAuthHandler(reg, &mockAuthenticator{}, sessions, mc)

			req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.Register(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeErrorBody(t, w)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if tt.wantCode == model.ErrCodeValidation && len(body.Fields) != 1 {
				t.Errorf("fields = %+v, want 1 field", body.Fields)
			}
			if len(sessions.established) != 0 {
				t.Error("session should not be established on failure")
			}
			if mc.registrations["failure"] != 1 {
				t.Errorf("registration failure count = %d, want 1", mc.registrations["failure"])
			}
		})
	}
}

func TestAuthHandler_Register_SessionFailure(t *testing.T) {
	sessions := &mockSessions{
		establishFn: func(ctx context.Context, data model.SessionData) (*model.Session, error) {
			return nil, errors.New("db down")
		},
	}
	reg := &mockRegistrar{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
			return testUser("user-1"), nil
		},
	}
	h := NewAuthHandler(reg, &mockAuthenticator{}, sessions, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// --- POST /api/auth/login ---

func TestAuthHandler_Login_Success(t *testing.T) {
	sessions := &mockSessions{}
	mc := newMockMetrics()
	authn := &mockAuthenticator{
		authenticateFn: func(r *http.Request) (*auth.Principal, error) {
			return &auth.Principal{
				User:    testUser("user-1"),
				Session: model.LocalSession{UserID: "user-1"},
			}, nil
		},
	}
	h := NewAuthHandler(&mockRegistrar{}, authn, sessions, mc)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := decodeSummary(t, w); got.ID != "user-1" {
		t.Errorf("summary id = %q, want %q", got.ID, "user-1")
	}
	if len(sessions.established) != 1 {
		t.Errorf("Establish calls = %d, want 1", len(sessions.established))
	}
	if mc.logins["local/success"] != 1 {
		t.Errorf("login success count = %d, want 1", mc.logins["local/success"])
	}
}

func TestAuthHandler_Login_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantResult string
	}{
		{"不正なリクエスト", auth.ErrMalformedRequest, http.StatusBadRequest, model.ErrCodeInvalidRequest, "failure"},
		{"認証情報不一致", auth.ErrInvalidCredentials, http.StatusUnauthorized, model.ErrCodeInvalidCredentials, "failure"},
		{"登録方法違い", auth.ErrWrongSignupMethod, http.StatusUnauthorized, model.ErrCodeWrongSignupMethod, "failure"},
		{"BAN済み", auth.ErrAccountBanned, http.StatusUnauthorized, model.ErrCodeAccountBanned, "banned"},
		{"試行回数超過", auth.ErrTooManyAttempts, http.StatusTooManyRequests, model.ErrCodeTooManyAttempts, "blocked"},
		{"想定外のエラー", errors.New("boom"), http.StatusInternalServerError, model.ErrCodeInternal, "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessions{}
			mc := newMockMetrics()
			authn := &mockAuthenticator{
				authenticateFn: func(r *http.Request) (*auth.Principal, error) {
					return nil, tt.err
				},
			}
			h := NewAuthHandler(&mockRegistrar{}, authn, sessions, mc)

			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
			w := httptest.NewRecorder()
			h.Login(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeErrorBody(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if len(sessions.established) != 0 {
				t.Error("session should not be established on failure")
			}
			if mc.logins["local/"+tt.wantResult] != 1 {
				t.Errorf("login metrics = %v, want local/%s", mc.logins, tt.wantResult)
			}
		})
	}
}

// --- /api/logout ---

func TestAuthHandler_LogoutRedirect(t *testing.T) {
	sessions := &mockSessions{}
	h := NewAuthHandler(&mockRegistrar{}, &mockAuthenticator{}, sessions, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/logout", nil)
	w := httptest.NewRecorder()
	h.LogoutRedirect(w, req)

	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want %q", loc, "/")
	}
	if sessions.destroyed != 1 {
		t.Errorf("Destroy calls = %d, want 1", sessions.destroyed)
	}
}

func TestAuthHandler_LogoutRedirect_DestroyErrorStillRedirects(t *testing.T) {
	sessions := &mockSessions{
		destroyFn: func(ctx context.Context) error { return errors.New("db down") },
	}
	h := NewAuthHandler(&mockRegistrar{}, &mockAuthenticator{}, sessions, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/logout", nil)
	w := httptest.NewRecorder()
	h.LogoutRedirect(w, req)

	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
	}
}

func TestAuthHandler_Logout_JSON(t *testing.T) {
	tests := []struct {
		name       string
		destroyErr error
		wantStatus int
	}{
		{"成功", nil, http.StatusOK},
		{"削除失敗", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessions{
				destroyFn: func(ctx context.Context) error { return tt.destroyErr },
			}
			h := NewAuthHandler(&mockRegistrar{}, &mockAuthenticator{}, sessions, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
			w := httptest.NewRecorder()
			h.Logout(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

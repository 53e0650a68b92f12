package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/accounts"
	"github.com/MarcoPoloResearchLab/jotrip/internal/blobstore"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubAuthenticator struct {
	err error
}

func (s stubAuthenticator) Authenticate(_ context.Context, accountID string, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return accountID, nil
}

type stubSessionTokens struct {
	token       string
	subject     string
	validateErr error
}

func (s stubSessionTokens) IssueSessionToken(string) (string, int64, error) {
	return s.token, 60, nil
}

func (s stubSessionTokens) ValidateToken(string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.subject, nil
}

type failingBlobs struct {
	err error
}

func (f failingBlobs) Put(context.Context, string, string, []byte) (blobstore.ChangeEntry, error) {
	return blobstore.ChangeEntry{}, f.err
}

func (f failingBlobs) Get(context.Context, string, string) ([]byte, error) {
	return nil, f.err
}

func (f failingBlobs) ChangesSince(context.Context, string, time.Time) ([]blobstore.ChangeEntry, time.Time, error) {
	return nil, time.Time{}, f.err
}

func (f failingBlobs) Wipe(context.Context, string) error {
	return f.err
}

type testServer struct {
	handler  http.Handler
	blobs    *blobstore.Service
	realtime *RealtimeDispatcher
}

func newTestServer(t *testing.T, configure func(*Dependencies)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&accounts.Account{}, &blobstore.ChangeEntry{}, &blobstore.BlobRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	accountService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct account service: %v", err)
	}
	blobService, err := blobstore.NewService(blobstore.ServiceConfig{Database: db, Backend: blobstore.NewSQLiteBackend(db)})
	if err != nil {
		t.Fatalf("failed to construct blob service: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	deps := Dependencies{
		Accounts: accountService,
		Blobs:    blobService,
		Realtime: realtime,
		Logger:   zap.NewNop(),
	}
	if configure != nil {
		configure(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testServer{handler: handler, blobs: blobService, realtime: realtime}
}

type requestOption func(*http.Request)

func withBasicAuth(username, password string) requestOption {
	return func(request *http.Request) {
		request.SetBasicAuth(username, password)
	}
}

func withBearer(token string) requestOption {
	return func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

func (s *testServer) do(t *testing.T, method, target string, body string, options ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	request.RemoteAddr = "192.0.2.1:1234"
	for _, option := range options {
		option(request)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func mustDecode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var decoded T
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func errorMessage(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	return mustDecode[map[string]string](t, recorder)["error"]
}

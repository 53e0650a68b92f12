package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/jotrip/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/changes", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		accounts: stubAuthenticator{},
		sessions: stubSessionTokens{
			validateErr: fmt.Errorf("%w: token is expired", auth.ErrExpiredToken),
		},
		logger: zap.New(core),
	}

	handler.authorize(true, false)(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeLogsForgedTokenAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/changes", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		accounts: stubAuthenticator{},
		sessions: stubSessionTokens{
			validateErr: fmt.Errorf("%w: signature mismatch", auth.ErrInvalidToken),
		},
		logger: zap.New(core),
	}

	handler.authorize(true, false)(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for forged token, got %s", entries[0].Level)
	}
}

func TestAuthorizeRejectsBearerWithoutSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/changes", http.NoBody)
	request.Header.Set("Authorization", "Bearer some-token")
	ctx.Request = request

	handler := &httpHandler{accounts: stubAuthenticator{}, logger: zap.NewNop()}
	handler.authorize(true, false)(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if !ctx.IsAborted() {
		t.Fatalf("expected request to be aborted")
	}
}

func TestAuthorizeMapsUnexpectedAuthenticatorErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/changes", http.NoBody)
	request.SetBasicAuth("alice", "abc")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		accounts: stubAuthenticator{err: errors.New("database locked")},
		logger:   zap.New(core),
	}
	handler.authorize(true, false)(ctx)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	if logs.FilterMessage("authorization failed").Len() != 1 {
		t.Fatalf("expected authorization failure to be logged")
	}
}

func TestAuthorizeStoresAccountID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/changes", http.NoBody)
	request.SetBasicAuth("alice", "abc")
	ctx.Request = request

	handler := &httpHandler{accounts: stubAuthenticator{}, logger: zap.NewNop()}
	handler.authorize(true, false)(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to continue, got status %d", recorder.Code)
	}
	if got := ctx.GetString(accountIDContextKey); got != "alice" {
		t.Fatalf("expected account id alice, got %q", got)
	}
}

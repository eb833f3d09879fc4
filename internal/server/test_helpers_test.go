package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carelink/backend/internal/access"
	"github.com/carelink/backend/internal/auth"
	"github.com/carelink/backend/internal/chat"
	"github.com/carelink/backend/internal/database"
	"github.com/carelink/backend/internal/engagement"
	"github.com/carelink/backend/internal/presence"
	"github.com/carelink/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testEnvironment struct {
	server     *httptest.Server
	tokens     *auth.TokenIssuer
	db         *gorm.DB
	dispatcher *RealtimeDispatcher
	users      *users.Service
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "carelink-auth",
		Audience:      "carelink-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}

	coordinator, err := engagement.NewCoordinator(engagement.CoordinatorConfig{
		Database:   db,
		IDProvider: engagement.NewUUIDProvider(),
		Providers:  userService,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	tracker, err := presence.NewTracker(presence.TrackerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}

	gate, err := access.NewGate(access.GateConfig{Pairs: coordinator})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Gate:       gate,
		IDProvider: engagement.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokenIssuer,
		Users:        userService,
		Coordinator:  coordinator,
		Presence:     tracker,
		Gate:         gate,
		Chat:         chatService,
		Realtime:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return &testEnvironment{
		server:     server,
		tokens:     tokenIssuer,
		db:         db,
		dispatcher: dispatcher,
		users:      userService,
	}
}

func (e *testEnvironment) issueToken(t *testing.T, subject, role string) string {
	t.Helper()
	token, _, err := e.tokens.IssueBackendToken(context.Background(), auth.Principal{Subject: subject, Role: role})
	if err != nil {
		t.Fatalf("failed to issue backend token: %v", err)
	}
	return token
}

func (e *testEnvironment) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewBuffer(encoded)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

// registerParticipants creates an approved provider and a requester through
// the HTTP surface, the way a real deployment would.
func (e *testEnvironment) registerParticipants(t *testing.T) (requesterToken, providerToken string) {
	t.Helper()
	requesterToken = e.issueToken(t, "requester-1", auth.RoleRequester)
	providerToken = e.issueToken(t, "provider-1", auth.RoleProvider)
	adminToken := e.issueToken(t, "operator", auth.RoleAdmin)

	resp := e.request(t, http.MethodPost, "/users", requesterToken, map[string]string{"display_name": "Jordan"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("requester registration failed: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.request(t, http.MethodPost, "/users", providerToken, map[string]string{
		"display_name": "Dr. Reyes",
		"degree":       "DPT",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("provider registration failed: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.request(t, http.MethodPost, "/providers/provider-1/verification", adminToken, map[string]string{"status": "approved"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("provider approval failed: %d", resp.StatusCode)
	}
	resp.Body.Close()

	return requesterToken, providerToken
}

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/server"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	integrationSecret = "integration-secret"
	jsonContentType   = "application/json"
	projectID         = "project-novel"
)

type fixture struct {
	server *httptest.Server
	deps   server.Dependencies
}

func newFixture(testContext *testing.T) fixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:collab?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.Identity{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	if _, err := userService.Upsert("writer-1", "Ada", "ada@example.com", []string{"read", "write"}); err != nil {
		testContext.Fatalf("failed to seed identity: %v", err)
	}
	if _, err := userService.Upsert("writer-2", "Grace", "grace@example.com", []string{"read", "write"}); err != nil {
		testContext.Fatalf("failed to seed identity: %v", err)
	}

	credentialManager, err := auth.NewManager(auth.ManagerConfig{SigningSecret: []byte(integrationSecret)})
	if err != nil {
		testContext.Fatalf("failed to build credential manager: %v", err)
	}
	sessions := auth.NewSessionManager(credentialManager)
	limits := ratelimit.NewManager(ratelimit.Config{}, nil)
	connections := registry.NewRegistry(registry.Config{
		MaxConnections: 32,
		OnDisconnect: func(connectionID, address string) {
			sessions.Disconnect(connectionID)
			limits.Connections.OnDisconnect(address, connectionID)
			limits.Messages.Forget(connectionID)
		},
	}, nil)
	lockEngine := locks.NewEngine(locks.Config{}, connections, nil)

	deps := server.Dependencies{
		AuthManager: credentialManager,
		Sessions:    sessions,
		Users:       userService,
		Registry:    connections,
		Locks:       lockEngine,
		RateLimits:  limits,
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)
	return fixture{server: httpServer, deps: deps}
}

func (f fixture) issueToken(testContext *testing.T, userID string) string {
	testContext.Helper()
	payload, _ := json.Marshal(map[string]string{"user_id": userID})
	response, err := http.Post(f.server.URL+"/auth/token", jsonContentType, bytes.NewReader(payload))
	if err != nil {
		testContext.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token status %d", response.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	return body.AccessToken
}

func (f fixture) dial(testContext *testing.T, token string) *websocket.Conn {
	testContext.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		testContext.Fatalf("failed to dial websocket: %v", err)
	}
	testContext.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(testContext *testing.T, conn *websocket.Conn) (string, map[string]any) {
	testContext.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var envelope struct {
		Channel string         `json:"channel"`
		Data    map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&envelope); err != nil {
		testContext.Fatalf("failed to read envelope: %v", err)
	}
	return envelope.Channel, envelope.Data
}

type nullTransport struct{}

func (nullTransport) WriteJSON(v any) error               { return nil }
func (nullTransport) Close(code int, reason string) error { return nil }

func TestRegistryInitiatedDisconnectReleasesCollaborators(testContext *testing.T) {
	f := newFixture(testContext)

	token, err := f.deps.AuthManager.Issue(auth.Claims{UserID: "writer-1"})
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	const connectionID = "conn-reaped"
	const address = "203.0.113.7"

	if allowed, reason := f.deps.RateLimits.Connections.Allow(address, connectionID); !allowed {
		testContext.Fatalf("expected connection slot, got %q", reason)
	}
	if _, err := f.deps.Sessions.Authenticate(connectionID, token); err != nil {
		testContext.Fatalf("failed to authenticate session: %v", err)
	}
	if _, err := f.deps.Registry.Register(connectionID, address, nullTransport{}); err != nil {
		testContext.Fatalf("failed to register connection: %v", err)
	}

	// Registry-initiated teardown, as the stale sweep or a failed heartbeat
	// would trigger it. No read loop is involved for this connection.
	f.deps.Registry.Disconnect(connectionID)

	if _, ok := f.deps.Sessions.ClaimsFor(connectionID); ok {
		testContext.Fatalf("expected session binding to be released")
	}

	// The address slot was freed: the full per-address quota is available
	// again. With the slot leaked this loop would fail on the last id.
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("conn-after-%d", i)
		if allowed, reason := f.deps.RateLimits.Connections.Allow(address, id); !allowed {
			testContext.Fatalf("expected slot %d after cleanup, got %q", i, reason)
		}
	}
}

func TestTokenLockAndBroadcastFlow(testContext *testing.T) {
	f := newFixture(testContext)

	writerToken := f.issueToken(testContext, "writer-1")
	readerToken := f.issueToken(testContext, "writer-2")

	writer := f.dial(testContext, writerToken)
	reader := f.dial(testContext, readerToken)

	for _, conn := range []*websocket.Conn{writer, reader} {
		if err := conn.WriteJSON(map[string]any{"channel": "subscribe:" + projectID}); err != nil {
			testContext.Fatalf("failed to subscribe: %v", err)
		}
		channel, data := readEnvelope(testContext, conn)
		if channel != "subscription" || data["status"] != "subscribed" {
			testContext.Fatalf("unexpected subscription ack %s %v", channel, data)
		}
	}

	// Lock a component over HTTP; the websocket subscribers see the change.
	lockPayload, _ := json.Marshal(map[string]any{"level": "hard", "type": "editorial", "reason": "structural edit"})
	request, err := http.NewRequest(http.MethodPut,
		f.server.URL+"/api/projects/"+projectID+"/locks/chapter-1", bytes.NewReader(lockPayload))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+writerToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("lock request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected lock status %d", response.StatusCode)
	}

	for _, conn := range []*websocket.Conn{writer, reader} {
		channel, data := readEnvelope(testContext, conn)
		if channel != "locks:"+projectID || data["action"] != "locked" || data["componentId"] != "chapter-1" {
			testContext.Fatalf("unexpected broadcast %s %v", channel, data)
		}
	}

	// A reconnecting client catches up through sync-request.
	late := f.dial(testContext, f.issueToken(testContext, "writer-2"))
	if err := late.WriteJSON(map[string]any{"channel": "sync-request:" + projectID}); err != nil {
		testContext.Fatalf("failed to request sync: %v", err)
	}
	channel, data := readEnvelope(testContext, late)
	if channel != "sync-response:"+projectID {
		testContext.Fatalf("unexpected sync channel %s", channel)
	}
	lockState, ok := data["locks"].(map[string]any)
	if !ok {
		testContext.Fatalf("unexpected sync payload %v", data)
	}
	if _, ok := lockState["chapter-1"]; !ok {
		testContext.Fatalf("expected chapter-1 lock in snapshot, got %v", lockState)
	}
}

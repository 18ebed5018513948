package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/offline"
	"github.com/MarcoPoloResearchLab/carelog/internal/remote"
	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
	"github.com/MarcoPoloResearchLab/carelog/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testBabyID = "baby-1"

var fixedNow = time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)

type testApplication struct {
	handler  http.Handler
	realtime *RealtimeDispatcher
}

func newTestApplication(t *testing.T) testApplication {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewFileStore(storage.FileStoreConfig{Path: filepath.Join(t.TempDir(), "store.json")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	realtime := NewRealtimeDispatcher()
	service, err := offline.Assemble(offline.RuntimeConfig{
		Store:    store,
		Remote:   remote.Disconnected{},
		Policy:   syncer.PolicyRetry,
		Location: time.UTC,
		Notifier: realtime,
		Clock: func() time.Time {
			return fixedNow
		},
	})
	if err != nil {
		t.Fatalf("failed to assemble service: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Service:           service,
		Realtime:          realtime,
		HeartbeatInterval: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testApplication{handler: handler, realtime: realtime}
}

func (app testApplication) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Baby-ID", testBabyID)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	app.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func enqueueFormula(t *testing.T, app testApplication) {
	t.Helper()
	recorder := app.do(t, http.MethodPost, "/v1/mutations", "", map[string]any{
		"kind": "CREATE_CLOSED",
		"payload": map[string]any{
			"localEventId": "local-1",
			"type":         "FORMULA",
			"startTime":    "2026-02-22T07:00:00Z",
			"value":        map[string]any{"ml": 120},
		},
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing service error")
	}
}

func TestRequestsWithoutBabyAreRejected(t *testing.T) {
	app := newTestApplication(t)
	request := httptest.NewRequest(http.MethodGet, "/v1/projection", http.NoBody)
	recorder := httptest.NewRecorder()
	app.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestEnqueueAppearsInProjectionAndQueue(t *testing.T) {
	app := newTestApplication(t)
	enqueueFormula(t, app)

	projection := app.do(t, http.MethodGet, "/v1/projection", "", nil)
	if projection.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", projection.Code)
	}
	var projected struct {
		Events []struct {
			ID     string `json:"id"`
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"events"`
		Pending int    `json:"pending"`
		State   string `json:"state"`
	}
	decodeBody(t, projection, &projected)
	if len(projected.Events) != 1 || projected.Events[0].ID != "local-1" || projected.Events[0].Status != "CLOSED" {
		t.Fatalf("unexpected projection %+v", projected)
	}
	if projected.Pending != 1 || projected.State != string(syncer.StateIdle) {
		t.Fatalf("unexpected queue summary %+v", projected)
	}

	queueResponse := app.do(t, http.MethodGet, "/v1/queue", "", nil)
	var queued struct {
		Mutations []struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"mutations"`
	}
	decodeBody(t, queueResponse, &queued)
	if len(queued.Mutations) != 1 || queued.Mutations[0].Kind != "CREATE_CLOSED" {
		t.Fatalf("unexpected queue %+v", queued)
	}
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	app := newTestApplication(t)

	recorder := app.do(t, http.MethodPost, "/v1/mutations", "", map[string]any{"kind": "ARCHIVE", "payload": map[string]any{}})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", recorder.Code)
	}

	recorder = app.do(t, http.MethodPost, "/v1/mutations", "", map[string]any{
		"kind":    "UPDATE",
		"payload": map[string]any{"babyId": "baby-2", "eventId": "evt-1"},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for baby mismatch, got %d", recorder.Code)
	}
	var failure map[string]string
	decodeBody(t, recorder, &failure)
	if failure["error"] != "offline.enqueue.baby_mismatch" {
		t.Fatalf("unexpected error code %q", failure["error"])
	}
}

func TestSnapshotRoutesBuildAndServeCache(t *testing.T) {
	app := newTestApplication(t)
	enqueueFormula(t, app)

	recorder := app.do(t, http.MethodGet, "/v1/snapshots/day?anchor=2026-02-22", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var record map[string]any
	decodeBody(t, recorder, &record)
	if record["range_key"] != "day:2026-02-22" || record["formula_total_ml"] != float64(120) {
		t.Fatalf("unexpected record %v", record)
	}

	cached := app.do(t, http.MethodGet, "/v1/cache/daily/day:2026-02-22", "", nil)
	if cached.Code != http.StatusOK {
		t.Fatalf("expected cached snapshot, got %d", cached.Code)
	}

	missing := app.do(t, http.MethodGet, "/v1/cache/weekly/week:2026-02-16", "", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing cache entry, got %d", missing.Code)
	}

	landing := app.do(t, http.MethodGet, "/v1/snapshots/landing", "", nil)
	if landing.Code != http.StatusOK {
		t.Fatalf("expected landing summary, got %d", landing.Code)
	}

	invalid := app.do(t, http.MethodGet, "/v1/snapshots/year", "", nil)
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown range, got %d", invalid.Code)
	}
	badAnchor := app.do(t, http.MethodGet, "/v1/snapshots/week?anchor=22-02-2026", "", nil)
	if badAnchor.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad anchor, got %d", badAnchor.Code)
	}
}

func TestFlushRoutes(t *testing.T) {
	app := newTestApplication(t)
	enqueueFormula(t, app)

	recorder := app.do(t, http.MethodPost, "/v1/flush", "", nil)
	var skipped syncer.FlushResult
	decodeBody(t, recorder, &skipped)
	if recorder.Code != http.StatusOK || skipped.Skipped != syncer.SkipNotServerLinked {
		t.Fatalf("expected skipped pass, got %d %+v", recorder.Code, skipped)
	}

	recorder = app.do(t, http.MethodPost, "/v1/flush", "opaque-token", nil)
	var blocked syncer.FlushResult
	decodeBody(t, recorder, &blocked)
	if blocked.Blocker == nil || blocked.Blocker.Reason != syncer.BlockConnectivity || blocked.Remaining != 1 {
		t.Fatalf("expected connectivity blocker, got %+v", blocked)
	}

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(fixedNow.Add(-time.Hour)),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	recorder = app.do(t, http.MethodPost, "/v1/flush", expired, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired session, got %d", recorder.Code)
	}

	letters := app.do(t, http.MethodGet, "/v1/dead-letters", "", nil)
	var payload struct {
		DeadLetters []any `json:"deadLetters"`
	}
	decodeBody(t, letters, &payload)
	if letters.Code != http.StatusOK || len(payload.DeadLetters) != 0 {
		t.Fatalf("expected empty dead letters, got %d %s", letters.Code, letters.Body.String())
	}
}

func TestStreamDeliversNotifications(t *testing.T) {
	app := newTestApplication(t)
	server := httptest.NewServer(app.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build stream request: %v", err)
	}
	request.Header.Set("X-Baby-ID", testBabyID)
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer response.Body.Close()

	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(response.Body)
	if event := readEventName(t, reader); event != realtimeEventHeartbeat {
		t.Fatalf("expected initial heartbeat, got %q", event)
	}

	enqueueFormula(t, app)

	if event := readEventName(t, reader); event != offline.NotificationProjectionChanged {
		t.Fatalf("expected %s, got %q", offline.NotificationProjectionChanged, event)
	}
}

func readEventName(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended: %v", err)
		}
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event:"); ok {
			return strings.TrimSpace(name)
		}
	}
}

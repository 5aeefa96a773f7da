package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/opencivic/quill/internal/auth"
	"github.com/opencivic/quill/internal/records"
	"gorm.io/gorm"
)

const (
	routerTestSecret = "router-secret"
	routerTestIssuer = "quill"
)

var routerTestSequence int

func newRouterFixture(t *testing.T) (http.Handler, *auth.TokenIssuer, *records.Service) {
	t.Helper()
	routerTestSequence++
	dsn := fmt.Sprintf("file:router_%d?mode=memory&cache=shared", routerTestSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&records.Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	recordsService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: records.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct records service: %v", err)
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(routerTestSecret),
		Issuer:        routerTestIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: sessionValidator,
		RecordsService:   recordsService,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(routerTestSecret),
		Issuer:        routerTestIssuer,
	})
	return handler, issuer, recordsService
}

func bearerToken(t *testing.T, issuer *auth.TokenIssuer, userID string) string {
	t.Helper()
	token, _, err := issuer.IssueSessionToken(userID, "Test User", []string{"editor"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func TestRouterHealthEndpointIsPublic(t *testing.T) {
	handler, _, _ := newRouterFixture(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestRouterRejectsMissingBearer(t *testing.T) {
	handler, _, _ := newRouterFixture(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/records", http.NoBody))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRouterRejectsInvalidToken(t *testing.T) {
	handler, _, _ := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodGet, "/records", http.NoBody)
	request.Header.Set("Authorization", "Bearer not-a-token")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRouterCreateAndFetchRecord(t *testing.T) {
	handler, issuer, _ := newRouterFixture(t)
	token := bearerToken(t, issuer, "user-1")

	body := bytes.NewBufferString(`{"title":"Zoning variance 2026-117"}`)
	request := httptest.NewRequest(http.MethodPost, "/records", body)
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var created struct {
		RecordID string `json:"record_id"`
		Title    string `json:"title"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.RecordID == "" || created.Title != "Zoning variance 2026-117" {
		t.Fatalf("unexpected response: %+v", created)
	}

	fetch := httptest.NewRequest(http.MethodGet, "/records/"+created.RecordID, http.NoBody)
	fetch.Header.Set("Authorization", "Bearer "+token)
	fetchRecorder := httptest.NewRecorder()
	handler.ServeHTTP(fetchRecorder, fetch)
	if fetchRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", fetchRecorder.Code)
	}
}

func TestRouterGetMissingRecordReturns404(t *testing.T) {
	handler, issuer, _ := newRouterFixture(t)
	token := bearerToken(t, issuer, "user-1")

	request := httptest.NewRequest(http.MethodGet, "/records/absent", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestRouterCreateRejectsEmptyTitle(t *testing.T) {
	handler, issuer, _ := newRouterFixture(t)
	token := bearerToken(t, issuer, "user-1")

	request := httptest.NewRequest(http.MethodPost, "/records", bytes.NewBufferString(`{"title":"  "}`))
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestRouterListRecords(t *testing.T) {
	handler, issuer, _ := newRouterFixture(t)
	token := bearerToken(t, issuer, "user-1")

	for _, title := range []string{"First", "Second"} {
		request := httptest.NewRequest(http.MethodPost, "/records", bytes.NewBufferString(`{"title":"`+title+`"}`))
		request.Header.Set("Authorization", "Bearer "+token)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusCreated {
			t.Fatalf("create failed with %d", recorder.Code)
		}
	}

	request := httptest.NewRequest(http.MethodGet, "/records", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var response struct {
		Records []struct {
			RecordID string `json:"record_id"`
		} `json:"records"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(response.Records))
	}
}

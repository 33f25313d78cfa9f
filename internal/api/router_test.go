package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/domestica-portal/domestica-portal/internal/audit"
	"github.com/domestica-portal/domestica-portal/internal/backup"
	"github.com/domestica-portal/domestica-portal/internal/config"
	"github.com/domestica-portal/domestica-portal/internal/kvstore"
	"github.com/domestica-portal/domestica-portal/internal/storage"
	"github.com/domestica-portal/domestica-portal/internal/storage/local"
	"github.com/domestica-portal/domestica-portal/internal/webhook"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// newTestServer builds a router over an in-memory store with a local storage
// backend in a temp dir. No middleware and no background jobs.
func newTestServer(t *testing.T) (*gin.Engine, *Services) {
	t.Helper()
	ctx := context.Background()
	store := kvstore.NewMemory()

	audits, err := audit.New(ctx, store, 100, 50, true)
	if err != nil {
		t.Fatal("audit.New:", err)
	}

	hooks, err := webhook.New(ctx, store, webhook.Options{
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
	}, audits)
	if err != nil {
		t.Fatal("webhook.New:", err)
	}

	backend, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatal("local.New:", err)
	}

	bkps, err := backup.New(ctx, store, []storage.Storage{backend}, nil, audits, backup.Config{
		Frequency:     backup.TypeDaily,
		Time:          "02:00",
		RetentionDays: 30,
		Compress:      true,
		Encrypt:       false,
		Destination:   backup.DestLocal,
	})
	if err != nil {
		t.Fatal("backup.New:", err)
	}

	svcs := &Services{Audits: audits, Backups: bkps, Webhooks: hooks}
	router := gin.New()
	RegisterRoutes(router, svcs)
	return router, svcs
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal("encode body:", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Audit routes
// ---------------------------------------------------------------------------

func TestAuditRoutes_SearchAndStats(t *testing.T) {
	router, svcs := newTestServer(t)

	svcs.Audits.LogAction(context.Background(), audit.Entry{
		User: "maria", Action: "Backup: executado", Resource: "backup", Result: audit.ResultSuccess,
	})
	svcs.Audits.LogAction(context.Background(), audit.Entry{
		User: "joao", Action: "consulta", Resource: "esocial", Result: audit.ResultSuccess,
	})

	w := doJSON(t, router, "GET", "/api/v1/auditoria?usuario=maria", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decodeBody(t, w)["total"].(float64); got != 1 {
		t.Errorf("total = %v, want 1", got)
	}

	w = doJSON(t, router, "GET", "/api/v1/auditoria/critico", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("critico status = %d, want 200", w.Code)
	}
	if got := decodeBody(t, w)["total"].(float64); got != 1 {
		t.Errorf("critico total = %v, want 1 (Backup: prefix is critical)", got)
	}

	w = doJSON(t, router, "GET", "/api/v1/auditoria/stats", nil)
	if w.Code != http.StatusOK {
		t.Errorf("stats status = %d, want 200", w.Code)
	}
}

func TestAuditRoutes_SearchRejectsBadDates(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, "GET", "/api/v1/auditoria?inicio=ontem", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed inicio", w.Code)
	}
}

func TestAuditRoutes_Export(t *testing.T) {
	router, svcs := newTestServer(t)
	svcs.Audits.LogAction(context.Background(), audit.Entry{
		User: "maria", Action: "consulta", Resource: "esocial", Result: audit.ResultSuccess,
	})

	w := doJSON(t, router, "GET", "/api/v1/auditoria/export?formato=csv", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd == "" {
		t.Error("missing Content-Disposition header")
	}

	w = doJSON(t, router, "GET", "/api/v1/auditoria/export?formato=xml", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown format", w.Code)
	}
}

func TestAuditRoutes_SetEnabledAndCleanup(t *testing.T) {
	router, svcs := newTestServer(t)

	w := doJSON(t, router, "PUT", "/api/v1/auditoria/habilitado", gin.H{"habilitado": false})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if svcs.Audits.Enabled() {
		t.Error("audit still enabled after PUT habilitado=false")
	}

	w = doJSON(t, router, "PUT", "/api/v1/auditoria/habilitado", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing habilitado", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/auditoria/cleanup", gin.H{"retencao": 30})
	if w.Code != http.StatusOK {
		t.Errorf("cleanup status = %d, want 200", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Backup routes
// ---------------------------------------------------------------------------

func TestBackupRoutes_ConfigRoundTrip(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, "PUT", "/api/v1/backups/config", gin.H{
		"frequencia":   "semanal",
		"horario":      "03:30",
		"retencao":     14,
		"compressao":   true,
		"criptografia": false,
		"destino":      "local",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT config status = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/backups/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET config status = %d", w.Code)
	}
	if got := decodeBody(t, w)["frequencia"]; got != "semanal" {
		t.Errorf("frequencia = %v, want semanal", got)
	}
}

func TestBackupRoutes_ConfigRejected(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, "PUT", "/api/v1/backups/config", gin.H{
		"frequencia": "anual",
		"horario":    "02:00",
		"retencao":   30,
		"destino":    "local",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid frequencia", w.Code)
	}
}

func TestBackupRoutes_ExecuteListRestore(t *testing.T) {
	router, svcs := newTestServer(t)

	w := doJSON(t, router, "POST", "/api/v1/backups/completo", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("execute status = %d: %s", w.Code, w.Body.String())
	}
	item := decodeBody(t, w)
	if item["status"] != backup.StatusSuccess {
		t.Errorf("status = %v, want sucesso", item["status"])
	}
	id, _ := item["id"].(string)
	if id == "" {
		t.Fatal("execute response missing id")
	}

	w = doJSON(t, router, "GET", "/api/v1/backups", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if got := decodeBody(t, w)["total"].(float64); got != 1 {
		t.Errorf("list total = %v, want 1", got)
	}

	w = doJSON(t, router, "POST", "/api/v1/backups/"+id+"/restore", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restore status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["restaurado"]; got != true {
		t.Errorf("restaurado = %v, want true", got)
	}

	// Ensure the backup list survived the restore round trip.
	if got := len(svcs.Backups.List()); got != 1 {
		t.Errorf("backups after restore = %d, want 1", got)
	}
}

func TestBackupRoutes_ExecuteUnknownType(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, "POST", "/api/v1/backups/incremental", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 for unknown backup type", w.Code)
	}
}

func TestBackupRoutes_RestoreUnknownID(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, "POST", "/api/v1/backups/nao-existe/restore", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if got := decodeBody(t, w)["restaurado"]; got != false {
		t.Errorf("restaurado = %v, want false", got)
	}
}

func TestBackupRoutes_StatsAndCleanup(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, "GET", "/api/v1/backups/stats", nil)
	if w.Code != http.StatusOK {
		t.Errorf("stats status = %d, want 200", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/backups/cleanup", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup status = %d, want 200", w.Code)
	}
	if got := decodeBody(t, w)["removidos"].(float64); got != 0 {
		t.Errorf("removidos = %v, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Webhook routes
// ---------------------------------------------------------------------------

func TestWebhookRoutes_CreateAndList(t *testing.T) {
	router, _ := newTestServer(t)

	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer probe.Close()

	w := doJSON(t, router, "POST", "/api/v1/webhooks", gin.H{
		"nome":    "contabilidade",
		"url":     probe.URL,
		"eventos": []string{"S-1200"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	if created["ativo"] != true {
		t.Error("created subscription not active")
	}
	if secret, _ := created["segredo"].(string); secret == "" {
		t.Error("created subscription missing segredo")
	}

	w = doJSON(t, router, "GET", "/api/v1/webhooks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	listed := decodeBody(t, w)
	if got := listed["total"].(float64); got != 1 {
		t.Errorf("total = %v, want 1", got)
	}

	// The secret is shown only in the create response. Listing must not
	// leak it back out.
	first := listed["inscricoes"].([]any)[0].(map[string]any)
	if _, leaked := first["segredo"]; leaked {
		t.Error("list response carries segredo, want it redacted")
	}
}

func TestWebhookRoutes_CreateRejected(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, "POST", "/api/v1/webhooks", gin.H{
		"nome":    "sem-url",
		"eventos": []string{"S-1200"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing url", w.Code)
	}
}

func TestWebhookRoutes_ActivateDeactivate(t *testing.T) {
	router, svcs := newTestServer(t)

	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer probe.Close()

	sub, err := svcs.Webhooks.Configure(context.Background(), webhook.Subscription{
		Name: "rh", URL: probe.URL, Events: []string{"*"},
	})
	if err != nil {
		t.Fatal("Configure:", err)
	}

	w := doJSON(t, router, "POST", "/api/v1/webhooks/"+sub.ID+"/deactivate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", w.Code)
	}
	if svcs.Webhooks.List()[0].Active {
		t.Error("subscription still active after deactivate")
	}

	w = doJSON(t, router, "POST", "/api/v1/webhooks/"+sub.ID+"/activate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status = %d", w.Code)
	}
	if !svcs.Webhooks.List()[0].Active {
		t.Error("subscription inactive after activate")
	}

	w = doJSON(t, router, "POST", "/api/v1/webhooks/nao-existe/activate", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown id", w.Code)
	}
}

func TestEventRoutes_Ingest(t *testing.T) {
	router, svcs := newTestServer(t)

	w := doJSON(t, router, "POST", "/api/v1/eventos", gin.H{
		"id":        "evt-1",
		"tipo":      "S-1200",
		"protocolo": "1.2.3",
		"status":    "processado",
		"empresaId": "emp-9",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(svcs.Webhooks.History()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(svcs.Webhooks.History()); got != 1 {
		t.Errorf("history size = %d, want 1", got)
	}
}

func TestEventRoutes_IngestRejectsInvalid(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, "POST", "/api/v1/eventos", gin.H{
		"id":   "evt-2",
		"tipo": "S-1200",
		// protocolo, status, empresaId missing
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

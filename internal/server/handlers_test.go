package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/detect"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/pattern"
	"github.com/raaihank/pii-sentinel/internal/pii"
	"github.com/raaihank/pii-sentinel/internal/recognizer"
	"github.com/raaihank/pii-sentinel/internal/rules"
)

type nopStatistical struct{}

func (nopStatistical) Analyze(ctx context.Context, text, language string, allowed []string) ([]recognizer.Result, error) {
	return nil, nil
}
func (nopStatistical) SupportedTypes() []string { return nil }
func (nopStatistical) Close() error             { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := &logger.Logger{Logger: zap.NewNop()}

	store := rules.NewStore(filepath.Join(t.TempDir(), "rules.json"), log.Logger)
	patterns := pattern.NewCache(100, log.Logger)
	engine := detect.NewEngine(0.3, log.Logger)
	service := pii.New(store, patterns, engine, nopStatistical{}, log.Logger)
	if err := service.Init(); err != nil {
		t.Fatal(err)
	}

	cfg := config.GetDefaults()
	cfg.Security.RateLimit.Enabled = false
	cfg.WebSocket.Enabled = false

	return New(cfg, log, service, nil, nil, nil)
}

func do(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func testEmailRule(id string) rules.Rule {
	r := rules.Rule{
		ID:         id,
		Name:       "email",
		Pattern:    `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		EntityType: "email",
		Category:   "contact",
		Enabled:    true,
		Confidence: 0.9,
	}
	rules.ApplyDefaults(&r)
	return r
}

func TestDetectEndpoint(t *testing.T) {
	srv := newTestServer(t)

	t.Run("MissingText", func(t *testing.T) {
		rec := do(t, srv, "POST", "/v1/detect", map[string]string{"language": "en"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/detect", bytes.NewBufferString("{broken"))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("DetectWithRule", func(t *testing.T) {
		if rec := do(t, srv, "POST", "/v1/rules", testEmailRule("r1")); rec.Code != http.StatusCreated {
			t.Fatalf("Add rule failed: %d %s", rec.Code, rec.Body.String())
		}

		rec := do(t, srv, "POST", "/v1/detect", map[string]string{"text": "ping jane@corp.com"})
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp struct {
			IsSafe     bool   `json:"is_safe"`
			MaskedText string `json:"masked_text"`
			Entities   []struct {
				Type string `json:"type"`
			} `json:"entities"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.IsSafe || len(resp.Entities) != 1 || resp.Entities[0].Type != "email" {
			t.Errorf("Unexpected response: %s", rec.Body.String())
		}
		if resp.MaskedText == "ping jane@corp.com" {
			t.Error("Masked text must differ from input")
		}
	})
}

func TestBatchDetectEndpoint(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, "POST", "/v1/rules", testEmailRule("r1"))

	rec := do(t, srv, "POST", "/v1/detect/batch", map[string]interface{}{
		"texts": []string{"clean", "jane@corp.com"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		IsSafe        bool `json:"is_safe"`
		TotalEntities int  `json:"total_entities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.IsSafe || resp.TotalEntities != 1 {
		t.Errorf("Unexpected batch response: %s", rec.Body.String())
	}

	t.Run("EmptyTexts", func(t *testing.T) {
		rec := do(t, srv, "POST", "/v1/detect/batch", map[string]interface{}{"texts": []string{}})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	srv := newTestServer(t)

	t.Run("CRUD", func(t *testing.T) {
		if rec := do(t, srv, "POST", "/v1/rules", testEmailRule("r1")); rec.Code != http.StatusCreated {
			t.Fatalf("Create failed: %d", rec.Code)
		}
		if rec := do(t, srv, "GET", "/v1/rules/r1", nil); rec.Code != http.StatusOK {
			t.Errorf("Get failed: %d", rec.Code)
		}
		if rec := do(t, srv, "PUT", "/v1/rules/r1", map[string]interface{}{"confidence": 0.5}); rec.Code != http.StatusOK {
			t.Errorf("Update failed: %d %s", rec.Code, rec.Body.String())
		}
		if rec := do(t, srv, "DELETE", "/v1/rules/r1", nil); rec.Code != http.StatusOK {
			t.Errorf("Delete failed: %d", rec.Code)
		}
		if rec := do(t, srv, "GET", "/v1/rules/r1", nil); rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404 after delete, got %d", rec.Code)
		}
	})

	t.Run("DuplicateAdd", func(t *testing.T) {
		do(t, srv, "POST", "/v1/rules", testEmailRule("dup"))
		if rec := do(t, srv, "POST", "/v1/rules", testEmailRule("dup")); rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for duplicate id, got %d", rec.Code)
		}
	})

	t.Run("InvalidRule", func(t *testing.T) {
		bad := testEmailRule("bad")
		bad.Pattern = "(unterminated"
		if rec := do(t, srv, "POST", "/v1/rules", bad); rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for invalid pattern, got %d", rec.Code)
		}
	})

	t.Run("BulkReplace", func(t *testing.T) {
		bad := testEmailRule("bulk-bad")
		bad.Category = "nonsense"
		rec := do(t, srv, "PUT", "/v1/rules", []rules.Rule{testEmailRule("bulk-good"), bad})
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var report struct {
			Applied  []rules.Rule     `json:"applied"`
			Rejected []rules.Rejected `json:"rejected"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatal(err)
		}
		if len(report.Applied) != 1 || len(report.Rejected) != 1 {
			t.Errorf("Expected 1 applied and 1 rejected: %s", rec.Body.String())
		}
	})

	t.Run("BulkAllInvalid", func(t *testing.T) {
		bad := testEmailRule("only-bad")
		bad.Pattern = "(unterminated"
		rec := do(t, srv, "PUT", "/v1/rules", []rules.Rule{bad})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 when no rule survives, got %d", rec.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		if rec := do(t, srv, "POST", "/v1/rules/reload", nil); rec.Code != http.StatusOK {
			t.Errorf("Reload failed: %d", rec.Code)
		}
	})
}

func TestPreviewEndpoint(t *testing.T) {
	srv := newTestServer(t)

	temp := testEmailRule("")
	temp.ID = ""
	rec := do(t, srv, "POST", "/v1/preview", map[string]interface{}{
		"text":  "ping jane@corp.com",
		"rules": []rules.Rule{temp},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		IsSafe      bool `json:"is_safe"`
		PreviewOnly bool `json:"preview_only"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.IsSafe || !resp.PreviewOnly {
		t.Errorf("Unexpected preview response: %s", rec.Body.String())
	}

	// Preview leaves no rules behind.
	listRec := do(t, srv, "GET", "/v1/rules", nil)
	var list struct {
		Rules []rules.Rule `json:"rules"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Rules) != 0 {
		t.Errorf("Preview must not persist rules, got %+v", list.Rules)
	}
}

func TestHealthAndInfo(t *testing.T) {
	srv := newTestServer(t)

	if rec := do(t, srv, "GET", "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("Health failed: %d", rec.Code)
	}

	rec := do(t, srv, "GET", "/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Info failed: %d", rec.Code)
	}
	var info map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if _, ok := info["rule_count"]; !ok {
		t.Errorf("Info missing rule_count: %s", rec.Body.String())
	}
}

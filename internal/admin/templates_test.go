package admin

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/formaops/decisio/internal/repository"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name         string
		templateName string
		data         any
		wantContent  string
	}{
		{
			name:         "login template",
			templateName: "login.html",
			data:         map[string]any{"Error": "invalid credentials"},
			wantContent:  "Login",
		},
		{
			name:         "setup template",
			templateName: "setup.html",
			data:         map[string]any{},
			wantContent:  "Setup Admin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Render(&buf, tt.templateName, tt.data)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if !strings.Contains(buf.String(), tt.wantContent) {
				t.Errorf("Render() content missing %q", tt.wantContent)
			}
		})
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, "nope.html", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestRenderDashboardTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard.html", map[string]any{
		"User": repository.AdminUser{Username: "admin"},
		"Rules": []repository.Rule{
			{ID: "rule-1", Name: "Dubai mainland fee", Type: "pricing", Priority: 10, Active: true, UpdatedAt: time.Now()},
			{ID: "rule-2", Name: "Freezone EDD", Type: "risk", Priority: 20, Active: false, UpdatedAt: time.Now()},
		},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Dubai mainland fee") {
		t.Error("expected rule name in output")
	}
	if !strings.Contains(out, "Active") || !strings.Contains(out, "Inactive") {
		t.Error("expected both active and inactive badges in output")
	}
	if !strings.Contains(out, `value="token123"`) {
		t.Error("expected CSRF token in toggle forms")
	}
}

func TestRenderAPIKeysTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "api_keys.html", map[string]any{
		"User":      repository.AdminUser{Username: "admin"},
		"APIKeys":   []repository.APIKeyMeta{{ID: "key-1", Name: "api-key-key-1", CreatedAt: time.Now()}},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "API Keys") {
		t.Error("expected 'API Keys' in output")
	}
	if !strings.Contains(out, "key-1") {
		t.Error("expected key ID in output")
	}
	if !strings.Contains(out, "Create API Key") {
		t.Error("expected Create button in output")
	}
}

func TestRenderAPIKeysTemplate_NewSecret(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "api_keys.html", map[string]any{
		"User":      repository.AdminUser{Username: "admin"},
		"APIKeys":   []repository.APIKeyMeta{},
		"NewKeyID":  "abc123",
		"NewSecret": "secret456",
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "abc123.secret456") {
		t.Error("expected full token in output")
	}
	if !strings.Contains(out, "will not be shown again") {
		t.Error("expected warning about secret visibility")
	}
}

func TestRenderAuditLogTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "audit_log.html", map[string]any{
		"User": repository.AdminUser{Username: "admin"},
		"Entries": []repository.AuditLogEntry{
			{ID: 1, AdminUserID: "user-1", Action: "rule_toggle", RuleID: "freezone-edd", Details: json.RawMessage(`{"active":true}`), CreatedAt: time.Now()},
			{ID: 2, AdminUserID: "user-1", Action: "api_key_create", Details: json.RawMessage(`{}`), CreatedAt: time.Now()},
		},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Audit Log") {
		t.Error("expected 'Audit Log' in output")
	}
	if !strings.Contains(out, "freezone-edd") {
		t.Error("expected rule ID in output")
	}
	if !strings.Contains(out, "rule_toggle") {
		t.Error("expected action in output")
	}
}

func TestRenderAuditLogTemplate_Empty(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "audit_log.html", map[string]any{
		"User":      repository.AdminUser{Username: "admin"},
		"Entries":   []repository.AuditLogEntry{},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(buf.String(), "No audit log entries found") {
		t.Error("expected empty state message")
	}
}

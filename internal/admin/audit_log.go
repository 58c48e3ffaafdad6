package admin

import (
	"encoding/json"
	"fmt"

	"github.com/formaops/decisio/internal/repository"
)

// Audit actions recorded by the portal. The values are stored verbatim in the
// audit_log table, so changing one orphans existing rows.
const (
	auditAdminSetup   = "admin_setup"
	auditAdminLogin   = "admin_login"
	auditRuleToggle   = "rule_toggle"
	auditAPIKeyCreate = "api_key_create"
	auditAPIKeyRevoke = "api_key_revoke"
)

// buildAuditEntry constructs a repository.AuditLogEntry, marshalling the
// optional details value to JSON. Returns an error if details cannot be
// marshalled.
func buildAuditEntry(adminUserID, action, ruleID string, details any) (repository.AuditLogEntry, error) {
	entry := repository.AuditLogEntry{
		AdminUserID: adminUserID,
		Action:      action,
		RuleID:      ruleID,
	}

	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return repository.AuditLogEntry{}, fmt.Errorf("marshal audit details: %w", err)
		}
		entry.Details = raw
	}

	return entry, nil
}

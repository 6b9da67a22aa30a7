package admin

import (
	"encoding/json"
	"fmt"

	"github.com/matt-riley/cartcover/internal/repository"
)

// operatorActor is the audit actor for the single password-authenticated
// operator.
const operatorActor = "operator"

// buildAuditEntry constructs a repository.AuditLogEntry, marshalling the
// optional details value to JSON.
func buildAuditEntry(actor, action, storeID string, details any) (repository.AuditLogEntry, error) {
	entry := repository.AuditLogEntry{
		StoreID: storeID,
		Actor:   actor,
		Action:  action,
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

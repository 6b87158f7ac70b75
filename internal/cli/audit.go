package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cartstream-io/cartstream/internal/ir"
)

// AuditEntry is one line of the append-only operations log.
type AuditEntry struct {
	Timestamp   string         `json:"timestamp"`
	Operation   string         `json:"operation"` // "apply", "destroy", "import", "state.rm", "state.mv"
	User        string         `json:"user"`
	Environment string         `json:"environment"`
	Changes     []AuditChange  `json:"changes,omitempty"`
	Summary     map[string]int `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// AuditChange records a single resource change.
type AuditChange struct {
	Address string `json:"address"`
	Action  string `json:"action"`
}

func auditLogPath() string {
	return filepath.Join(cartstreamDir(), "audit.log")
}

// writeAuditLog appends an entry to the audit log. Logging failures never
// block the operation being recorded.
func writeAuditLog(entry AuditEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.User == "" {
		entry.User = currentUser()
	}
	if entry.Environment == "" {
		entry.Environment = currentEnvironment()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if err := os.MkdirAll(cartstreamDir(), 0755); err != nil {
		return nil
	}
	f, err := os.OpenFile(auditLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// auditChanges flattens a plan into audit change records.
func auditChanges(plan *ir.Plan) []AuditChange {
	changes := make([]AuditChange, 0, len(plan.Changes))
	for _, c := range plan.Changes {
		changes = append(changes, AuditChange{Address: c.Address, Action: c.Action})
	}
	return changes
}

// auditSummary flattens plan counts for the audit record.
func auditSummary(s *ir.PlanSummary) map[string]int {
	return map[string]int{
		"create":  s.Create,
		"update":  s.Update,
		"delete":  s.Delete,
		"replace": s.Replace,
	}
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}

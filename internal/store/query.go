package store

import (
	"fmt"
	"strings"

	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

const (
	auditColumns    = `id, actor_id, action, target, target_id, ip, request_id, details, created_at`
	deliveryColumns = `id, webhook_id, event, payload, status_code, response, success, attempts, error, request_id, created_at`

	// id breaks created_at ties so OFFSET pages never overlap or skip rows.
	newestFirst = ` ORDER BY created_at DESC, id DESC`
)

// query accumulates WHERE conditions with $n placeholders numbered in
// argument order.
type query struct {
	conds []string
	args  []any
}

func (q *query) add(cond string, v any) {
	q.args = append(q.args, v)
	q.conds = append(q.conds, fmt.Sprintf(cond, len(q.args)))
}

func (q *query) where() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// page appends LIMIT/OFFSET placeholders for positive values.
func (q *query) page(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		q.args = append(q.args, limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(q.args))
	}
	if offset > 0 {
		q.args = append(q.args, offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(q.args))
	}
	return sb.String()
}

func auditQuery(f models.AuditFilter) *query {
	q := &query{}
	if f.ActorID != "" {
		q.add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		q.add("action = $%d", f.Action)
	}
	if f.Since != nil {
		q.add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		q.add("created_at <= $%d", *f.Until)
	}
	return q
}

func listAuditSQL(f models.AuditFilter) (string, []any) {
	q := auditQuery(f)
	sql := `SELECT ` + auditColumns + ` FROM audit_log` + q.where() + newestFirst
	sql += q.page(f.Limit, f.Offset)
	return sql, q.args
}

func countAuditSQL(f models.AuditFilter) (string, []any) {
	q := auditQuery(f)
	return `SELECT COUNT(*) FROM audit_log` + q.where(), q.args
}

func listDeliveriesSQL(f models.DeliveryFilter) (string, []any) {
	q := &query{}
	if f.WebhookID != "" {
		q.add("webhook_id = $%d", f.WebhookID)
	}
	if f.Event != "" {
		q.add("event = $%d", f.Event)
	}
	if f.Success != nil {
		q.add("success = $%d", *f.Success)
	}
	if f.Until != nil {
		q.add("created_at <= $%d", *f.Until)
	}
	sql := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries` + q.where() + newestFirst
	sql += q.page(f.Limit, f.Offset)
	return sql, q.args
}

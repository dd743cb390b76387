package httpapi

import (
	"context"

	"github.com/sawpanic/marketwarehouse/internal/types"
)

type traceIDKey struct{}

func withTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func traceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

const (
	typesAuditAllowed = types.AuditAllowed
	typesAuditDenied  = types.AuditDenied
)

func auditEntry(keyID *string, endpoint string, outcome types.APIKeyAuditOutcome, remoteIP string) types.APIKeyAudit {
	return types.APIKeyAudit{
		KeyID:    keyID,
		Endpoint: endpoint,
		Outcome:  outcome,
		RemoteIP: remoteIP,
	}
}

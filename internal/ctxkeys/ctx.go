package ctxkeys

import (
	"context"

	"github.com/templui/provenance/internal/service"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	OwnerKey     contextKey = "owner"
	RequestIDKey contextKey = "request_id"
	ClientIPKey  contextKey = "client_ip"
)

// Owner returns the authenticated caller, or the anonymous owner when there is none
func Owner(ctx context.Context) service.Owner {
	owner, _ := ctx.Value(OwnerKey).(service.Owner)
	return owner
}

func WithOwner(ctx context.Context, owner service.Owner) context.Context {
	return context.WithValue(ctx, OwnerKey, owner)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPKey).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

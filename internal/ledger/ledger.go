// Package ledger talks to the external identity ledger and manifest signer.
// Every call is best-effort from the upload path's point of view.
package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// Identifier is a ledger-issued identity and the resources linked to it
type Identifier struct {
	DID       string        `json:"did"`
	Alias     string        `json:"alias,omitempty"`
	Created   time.Time     `json:"created"`
	Resources []ResourceRef `json:"resources,omitempty"`
}

type ResourceRef struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	MediaType string    `json:"media_type,omitempty"`
	Created   time.Time `json:"created"`
}

type ResourceInput struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	MediaType string          `json:"media_type"`
	Data      json.RawMessage `json:"data"`
}

type Resource struct {
	ID         string          `json:"id"`
	Identifier string          `json:"identifier"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	MediaType  string          `json:"media_type,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Created    time.Time       `json:"created"`
}

// Client is the create/resolve/getResource surface of the ledger service
type Client interface {
	CreateIdentifier(ctx context.Context, alias string) (Identifier, error)
	ResolveIdentifier(ctx context.Context, did string) (Identifier, error)
	CreateResource(ctx context.Context, did string, in ResourceInput) (Resource, error)
	GetResource(ctx context.Context, did, resourceID string) (Resource, error)
}

package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/templui/provenance/internal/apperr"
)

// Noop is used when no ledger is configured. Identifiers are derived locally.
type Noop struct{}

func (Noop) CreateIdentifier(_ context.Context, alias string) (Identifier, error) {
	return Identifier{DID: "did:local:" + alias, Alias: alias, Created: time.Now().UTC()}, nil
}

func (Noop) ResolveIdentifier(_ context.Context, did string) (Identifier, error) {
	return Identifier{DID: did}, nil
}

func (Noop) CreateResource(_ context.Context, did string, in ResourceInput) (Resource, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	return Resource{ID: id, Identifier: did, Name: in.Name, Type: in.Type, MediaType: in.MediaType, Created: time.Now().UTC()}, nil
}

func (Noop) GetResource(_ context.Context, _, resourceID string) (Resource, error) {
	return Resource{}, apperr.NotFound("resource " + resourceID)
}

package storage

import (
	"context"

	"github.com/derektruong/fxupload/internal/upstate"
)

//go:generate mockgen -source=store.go -destination=mock/mock_store.go

// Store persists the upload state of each client.
type Store interface {
	// GetState loads the state of a client.
	//
	// Parameters:
	//  - ctx: the context of the request
	//  - clientID: the id of the client
	//
	// Returns:
	//  - state: every upload record of the client
	//  - err: ErrStateNotExists if nothing was ever persisted for the client
	GetState(ctx context.Context, clientID string) (state upstate.State, err error)

	// Persist replaces the stored state of a client.
	//
	// Parameters:
	//  - ctx: the context of the request
	//  - clientID: the id of the client
	//  - state: the state to store, the store must not keep references to it
	//
	// Returns:
	//  - err: the error if any occurred, nil otherwise
	Persist(ctx context.Context, clientID string, state upstate.State) (err error)

	// DeleteAll removes the stored state of a client. Deleting an unknown
	// client is not an error.
	DeleteAll(ctx context.Context, clientID string) (err error)

	// Close releases the resources of the store.
	Close()
}

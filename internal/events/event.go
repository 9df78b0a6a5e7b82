// Package events consumes user lifecycle events from RabbitMQ and applies
// them to the local user replica.
//
// Delivery is at-least-once, so every handler is idempotent: upserts replace
// state and deletes of unknown users succeed.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/protu-ai/chat-service/internal/domain"
)

// Routing keys published by the identity service.
const (
	KeyUserCreated = "user.created"
	KeyUserUpdated = "user.updated"
	KeyUserDeleted = "user.deleted"

	BindingPattern = "user.*"
)

// Kind tags an event by its routing key.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
	KindUnknown Kind = "unknown"
)

// ErrMalformed marks a payload that could not be decoded into a user event.
// Such deliveries are nacked with requeue like any other failure.
var ErrMalformed = errors.New("malformed user event")

// Event is a parsed user event.
type Event struct {
	Kind       Kind
	RoutingKey string
	User       domain.UserReplica
}

type envelope struct {
	Data *userData `json:"data"`
}

type userData struct {
	PublicID string   `json:"publicId"`
	ID       *int64   `json:"id"`
	Roles    []string `json:"roles"`
}

// KindOf maps a routing key to its event kind.
func KindOf(routingKey string) Kind {
	switch routingKey {
	case KeyUserCreated:
		return KindCreated
	case KeyUserUpdated:
		return KindUpdated
	case KeyUserDeleted:
		return KindDeleted
	default:
		return KindUnknown
	}
}

// Parse decodes a delivery body. Unknown routing keys are returned with
// KindUnknown and their body is not inspected.
func Parse(routingKey string, body []byte) (Event, error) {
	ev := Event{Kind: KindOf(routingKey), RoutingKey: routingKey}
	if ev.Kind == KindUnknown {
		return ev, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Data == nil {
		return ev, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	publicID := strings.TrimSpace(env.Data.PublicID)
	if publicID == "" {
		return ev, fmt.Errorf("%w: missing data.publicId", ErrMalformed)
	}

	roles := env.Data.Roles
	if roles == nil {
		roles = []string{}
	}
	ev.User = domain.UserReplica{PublicID: publicID, ID: env.Data.ID, Roles: roles}
	return ev, nil
}

// ReplicaStore is the write side of the user replica.
type ReplicaStore interface {
	Upsert(ctx context.Context, u domain.UserReplica) error
	Delete(ctx context.Context, publicID string) (removed bool, err error)
}

// Apply dispatches ev onto store. Created and updated events both upsert;
// deleting a user the replica never saw is a no-op.
func Apply(ctx context.Context, store ReplicaStore, ev Event) error {
	switch ev.Kind {
	case KindCreated, KindUpdated:
		return store.Upsert(ctx, ev.User)
	case KindDeleted:
		_, err := store.Delete(ctx, ev.User.PublicID)
		return err
	default:
		return nil
	}
}

package engine

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/snapshot"
	"deliverline/internal/store"
)

const apiKeyPrefix = "dl_"

// CreateAPIKey mints a key for userID. The raw key is returned once; only its hash is kept.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, userID, name string) (string, domain.APIKey, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	if userID == "" {
		userID = actor.ID
	}
	owner, err := e.Store.GetUser(ctx, userID)
	if err != nil {
		return "", domain.APIKey{}, fmt.Errorf("user %s: %w", userID, err)
	}
	if owner.ID != actor.ID && !e.Policy.CanManageUsers(actor) {
		return "", domain.APIKey{}, e.deny(actor, "apikey.create", owner.Department)
	}
	raw := apiKeyPrefix + rand.Text()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    owner.ID,
		Name:      e.sanitizer().Line(name),
		KeyHash:   store.HashAPIKey(raw),
		CreatedAt: e.now().UTC(),
	}
	change := events.Change{Type: events.APIKeyCreated, EntityKind: entityUser, EntityID: owner.ID, ActorID: actor.ID,
		Payload: events.EventPayload{"key_id": key.ID, "name": key.Name}}
	if err := e.Store.InsertAPIKey(ctx, key, change); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("save api key: %w", err)
	}
	return raw, key, nil
}

// ListAPIKeys lists keys of userID, or of the actor when userID is empty.
func (e Engine) ListAPIKeys(ctx context.Context, actorID, userID string) ([]domain.APIKey, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = actor.ID
	}
	if userID != actor.ID && !e.Policy.CanManageUsers(actor) {
		return nil, e.deny(actor, "apikey.list", "")
	}
	return e.Store.ListAPIKeys(ctx, userID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	keys, err := e.Store.ListAPIKeys(ctx, "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID != keyID {
			continue
		}
		if k.UserID != actor.ID && !e.Policy.CanManageUsers(actor) {
			return e.deny(actor, "apikey.revoke", "")
		}
		change := events.Change{Type: events.APIKeyRevoked, EntityKind: entityUser, EntityID: k.UserID, ActorID: actor.ID,
			Payload: events.EventPayload{"key_id": k.ID}}
		return e.Store.DeleteAPIKey(ctx, k.ID, change)
	}
	return fmt.Errorf("api key %s: %w", keyID, store.ErrNotFound)
}

// AuthenticateAPIKey resolves the active user owning raw.
func (e Engine) AuthenticateAPIKey(ctx context.Context, raw string) (domain.User, error) {
	key, err := e.Store.GetAPIKeyByHash(ctx, store.HashAPIKey(raw))
	if err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	return e.actor(ctx, key.UserID)
}

// ListEvents reads the event log. It spans every department, so only users
// who see all departments may read it.
func (e Engine) ListEvents(ctx context.Context, actorID string, f store.EventFilter) ([]domain.Event, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !e.Policy.CanSeeAllDepartments(actor) {
		return nil, e.deny(actor, "events.list", "")
	}
	return e.Store.ListEvents(ctx, f)
}

func (e Engine) Export(ctx context.Context, actorID string) (snapshot.Snapshot, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if !e.Policy.CanManageUsers(actor) {
		return snapshot.Snapshot{}, e.deny(actor, "snapshot.export", "")
	}
	return snapshot.Export(ctx, e.Store, e.now())
}

func (e Engine) Import(ctx context.Context, actorID string, snap snapshot.Snapshot) (snapshot.Result, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return snapshot.Result{}, err
	}
	if !e.Policy.CanManageUsers(actor) {
		return snapshot.Result{}, e.deny(actor, "snapshot.import", "")
	}
	res, err := snapshot.Import(ctx, e.Store, snap, actor.ID)
	if err != nil {
		return res, err
	}
	e.log().Info("snapshot imported", "actor", actor.ID, "users", res.Users, "deliverables", res.Deliverables)
	return res, nil
}

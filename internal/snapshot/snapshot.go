// Package snapshot exports and imports the whole store as deterministic CBOR.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/store"
)

// Version is bumped whenever the layout of Snapshot changes incompatibly.
const Version = 1

type Snapshot struct {
	Version      int                  `cbor:"version"`
	ExportedAt   time.Time            `cbor:"exported_at"`
	Users        []domain.User        `cbor:"users"`
	Deliverables []domain.Deliverable `cbor:"deliverables"`
	Credentials  []Credential         `cbor:"credentials,omitempty"`
	APIKeys      []APIKey             `cbor:"api_keys,omitempty"`
}

type Credential struct {
	UserID       string `cbor:"user_id"`
	PasswordHash string `cbor:"password_hash"`
}

// APIKey mirrors domain.APIKey including the hash, which the JSON form omits.
type APIKey struct {
	ID        string    `cbor:"id"`
	UserID    string    `cbor:"user_id"`
	Name      string    `cbor:"name,omitempty"`
	KeyHash   string    `cbor:"key_hash"`
	CreatedAt time.Time `cbor:"created_at"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

// Export reads every record out of s.
func Export(ctx context.Context, s store.Store, now time.Time) (Snapshot, error) {
	snap := Snapshot{Version: Version, ExportedAt: now.UTC()}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list users: %w", err)
	}
	snap.Users = users
	for _, u := range users {
		hash, err := s.PasswordHash(ctx, u.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("password of %s: %w", u.ID, err)
		}
		snap.Credentials = append(snap.Credentials, Credential{UserID: u.ID, PasswordHash: hash})
	}
	keys, err := s.ListAPIKeys(ctx, "")
	if err != nil {
		return Snapshot{}, fmt.Errorf("list api keys: %w", err)
	}
	for _, k := range keys {
		snap.APIKeys = append(snap.APIKeys, APIKey{ID: k.ID, UserID: k.UserID, Name: k.Name, KeyHash: k.KeyHash, CreatedAt: k.CreatedAt})
	}
	ds, err := s.ListDeliverables(ctx, store.Filter{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list deliverables: %w", err)
	}
	snap.Deliverables = ds
	return snap, nil
}

// Result counts what Import wrote.
type Result struct {
	Users        int `json:"users"`
	Deliverables int `json:"deliverables"`
	Credentials  int `json:"credentials"`
	APIKeys      int `json:"api_keys"`
	SkippedKeys  int `json:"skipped_api_keys"`
}

// Import upserts the snapshot into s. Existing records with the same id are
// replaced; API keys that already exist are skipped.
func Import(ctx context.Context, s store.Store, snap Snapshot, actorID string) (Result, error) {
	if snap.Version != Version {
		return Result{}, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	var res Result
	for _, u := range snap.Users {
		if err := s.PutUser(ctx, u); err != nil {
			return res, fmt.Errorf("import user %s: %w", u.ID, err)
		}
		res.Users++
	}
	for _, c := range snap.Credentials {
		if err := s.SetPassword(ctx, c.UserID, c.PasswordHash); err != nil {
			return res, fmt.Errorf("import credentials of %s: %w", c.UserID, err)
		}
		res.Credentials++
	}
	for _, k := range snap.APIKeys {
		err := s.InsertAPIKey(ctx, domain.APIKey{ID: k.ID, UserID: k.UserID, Name: k.Name, KeyHash: k.KeyHash, CreatedAt: k.CreatedAt})
		if errors.Is(err, store.ErrConflict) {
			res.SkippedKeys++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("import api key %s: %w", k.ID, err)
		}
		res.APIKeys++
	}
	for _, d := range snap.Deliverables {
		if err := s.PutDeliverable(ctx, d); err != nil {
			return res, fmt.Errorf("import deliverable %s: %w", d.ID, err)
		}
		res.Deliverables++
	}
	_, err := s.AppendEvent(ctx, events.Change{
		Type:       events.SnapshotImported,
		EntityKind: "snapshot",
		ActorID:    actorID,
		Payload: events.EventPayload{
			"users":        res.Users,
			"deliverables": res.Deliverables,
			"exported_at":  snap.ExportedAt.Format(time.RFC3339),
		},
	})
	return res, err
}

// Marshal encodes snap with core deterministic encoding: equal snapshots give equal bytes.
func Marshal(snap Snapshot) ([]byte, error) {
	return encMode.Marshal(snap)
}

func Unmarshal(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func Write(w io.Writer, snap Snapshot) error {
	data, err := Marshal(snap)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func Read(r io.Reader) (Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, err
	}
	return Unmarshal(data)
}

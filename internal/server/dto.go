package server

import (
	"time"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Department string `json:"department"`
}

type CreateDeliverableRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Department  string    `json:"department,omitempty"`
	Deadline    time.Time `json:"deadline" format:"date-time"`
	Priority    string    `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Tags        []string  `json:"tags,omitempty"`
	ScanURL     *string   `json:"scan_url,omitempty"`
}

type UpdateDeliverableRequest struct {
	Status   string     `json:"status,omitempty" enum:"in_progress,done"`
	Priority string     `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Deadline *time.Time `json:"deadline,omitempty" format:"date-time"`
	AddTags  []string   `json:"add_tags,omitempty"`
}

type ScanRequest struct {
	Text       string  `json:"text"`
	Department string  `json:"department,omitempty"`
	ScanURL    *string `json:"scan_url,omitempty"`
	DryRun     bool    `json:"dry_run,omitempty"`
}

type CreateUserRequest struct {
	ID         string `json:"id,omitempty"`
	Email      string `json:"email"`
	Password   string `json:"password,omitempty"`
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Department string `json:"department"`
	Role       string `json:"role,omitempty" enum:"direction,technical_admin,department_head,regular_user,viewer"`
}

type UpdateUserRequest struct {
	Name        *string        `json:"name,omitempty"`
	Phone       *string        `json:"phone,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
	Department  *string        `json:"department,omitempty"`
	Role        *string        `json:"role,omitempty" enum:"direction,technical_admin,department_head,regular_user,viewer"`
	Active      *bool          `json:"active,omitempty"`
}

type PromoteRequest struct {
	To string `json:"to" enum:"department_head,technical_direction"`
}

type PasswordRequest struct {
	Password string `json:"password"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type TokenResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at" format:"date-time"`
	User      domain.User `json:"user"`
}

// DeliverableResponse is the stored record plus the values derived from it at
// the time of the request.
type DeliverableResponse struct {
	domain.Deliverable
	Derived domain.Derived `json:"derived"`
}

type ScanResponse struct {
	Draft       ScanDraftResponse    `json:"draft"`
	Deliverable *DeliverableResponse `json:"deliverable,omitempty"`
}

type ScanDraftResponse struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Department   domain.Department `json:"department"`
	Deadline     time.Time         `json:"deadline" format:"date-time"`
	DateDetected bool              `json:"date_detected"`
	Priority     domain.Priority   `json:"priority"`
	Status       domain.Status     `json:"status"`
	Tags         []string          `json:"tags"`
}

type APIKeyResponse struct {
	domain.APIKey
	// Key is only present in the response that created it.
	Key string `json:"key,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedDeliverables struct {
	Items []DeliverableResponse `json:"items"`
	Count int                   `json:"count"`
}

func deliverableResponse(d domain.Deliverable, now time.Time) DeliverableResponse {
	d.Tags = nonNilSlice(d.Tags)
	return DeliverableResponse{Deliverable: d, Derived: d.Derive(now)}
}

func mapDeliverables(items []domain.Deliverable, now time.Time) []DeliverableResponse {
	res := make([]DeliverableResponse, 0, len(items))
	for _, d := range items {
		res = append(res, deliverableResponse(d, now))
	}
	return res
}

func scanResponse(res engine.ScanResult, now time.Time) ScanResponse {
	out := ScanResponse{Draft: ScanDraftResponse{
		Name:         res.Draft.Name,
		Description:  res.Draft.Description,
		Department:   res.Draft.Department,
		Deadline:     res.Draft.Deadline,
		DateDetected: res.Draft.DateDetected,
		Priority:     res.Draft.Priority,
		Status:       res.Draft.Status,
		Tags:         nonNilSlice(res.Draft.Tags),
	}}
	if res.Deliverable != nil {
		d := deliverableResponse(*res.Deliverable, now)
		out.Deliverable = &d
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    evt.Payload,
	}
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		res = append(res, APIKeyResponse{APIKey: k})
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

package domain

import "time"

type Deliverable struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Department  Department `json:"department"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	Deadline    time.Time  `json:"deadline" format:"date-time"`
	Status      Status     `json:"status" enum:"to_do,in_progress,done"`
	Priority    Priority   `json:"priority" enum:"low,medium,high,urgent"`
	CreatedBy   string     `json:"created_by,omitempty"`
	ScanURL     *string    `json:"scan_url,omitempty"`
	DaysOverdue int        `json:"days_overdue"`
	Tags        []string   `json:"tags"`
}

type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Name         string         `json:"name"`
	Department   Department     `json:"department"`
	Role         Role           `json:"role" enum:"direction,technical_admin,department_head,regular_user,viewer"`
	CreatedAt    time.Time      `json:"created_at" format:"date-time"`
	LastAccessAt time.Time      `json:"last_access_at" format:"date-time"`
	Active       bool           `json:"active"`
	Preferences  map[string]any `json:"preferences,omitempty"`
	PhotoURL     *string        `json:"photo_url,omitempty"`
	Phone        string         `json:"phone,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Stats summarises a set of deliverables as seen by one user.
type Stats struct {
	Total          int                `json:"total"`
	Done           int                `json:"done"`
	Overdue        int                `json:"overdue"`
	NeedsAttention int                `json:"needs_attention"`
	CompletionRate int                `json:"completion_rate"`
	ByDepartment   map[Department]int `json:"by_department"`
}

// APIKey authenticates a user without a password. Only the hash is stored.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

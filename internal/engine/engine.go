package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"deliverline/internal/config"
	"deliverline/internal/domain"
	"deliverline/internal/engine/auth"
	"deliverline/internal/logger"
	"deliverline/internal/metrics"
	"deliverline/internal/sanitize"
	"deliverline/internal/store"
)

var (
	ErrUnknownActor       = errors.New("unknown actor")
	ErrInactiveUser       = errors.New("user is inactive")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// SystemActor signs events written by maintenance jobs rather than a user.
const SystemActor = "system"

type Engine struct {
	Store     store.Store
	Config    *config.Config
	Policy    auth.Policy
	Sanitizer *sanitize.Sanitizer
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
	// PasswordCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	PasswordCost int
}

func New(s store.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:     s,
		Config:    cfg,
		Policy:    auth.New(cfg.Catalog()),
		Sanitizer: sanitize.New(),
		Metrics:   metrics.Nop{},
		Logger:    logger.Discard(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logger.Discard()
}

func (e Engine) metrics() metrics.Recorder {
	if e.Metrics != nil {
		return e.Metrics
	}
	return metrics.Nop{}
}

func (e Engine) sanitizer() *sanitize.Sanitizer {
	if e.Sanitizer != nil {
		return e.Sanitizer
	}
	return sanitize.New()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// actor loads the acting user. Inactive accounts cannot act.
func (e Engine) actor(ctx context.Context, id string) (domain.User, error) {
	if id == "" {
		return domain.User{}, ErrUnknownActor
	}
	u, err := e.Store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("load actor %s: %w", id, err)
	}
	if !u.Active {
		return domain.User{}, fmt.Errorf("%w: %s", ErrInactiveUser, id)
	}
	return u, nil
}

func (e Engine) deny(actor domain.User, action string, dept domain.Department) error {
	e.metrics().RecordPermissionDenied(action)
	e.log().Warn("permission denied", "actor", actor.ID, "action", action, "department", string(dept))
	return auth.ForbiddenError{Action: action, Department: dept}
}

// checkDepartment accepts catalog departments and the scan fallback department.
func (e Engine) checkDepartment(dept domain.Department) error {
	if dept == "" {
		return &domain.ValidationError{Field: "department", Message: "department is required"}
	}
	if e.Policy.Catalog.Contains(dept) || dept == e.fallbackDepartment() {
		return nil
	}
	return &domain.ValidationError{Field: "department", Message: fmt.Sprintf("unknown department %q", dept)}
}

func (e Engine) fallbackDepartment() domain.Department {
	if d := e.config().Scan.DefaultDepartment; d != "" {
		return domain.Department(d)
	}
	return domain.DepartmentGeneral
}

// Departments describes the catalog as seen by one user.
type Departments struct {
	All        []domain.Department `json:"all"`
	Technical  []domain.Department `json:"technical"`
	Accessible []domain.Department `json:"accessible"`
	Creatable  []domain.Department `json:"creatable"`
}

func (e Engine) Departments(ctx context.Context, actorID string) (Departments, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return Departments{}, err
	}
	c := e.Policy.Catalog
	out := Departments{
		All:        append([]domain.Department(nil), c.All...),
		Technical:  append([]domain.Department(nil), c.Technical...),
		Accessible: e.Policy.AccessibleDepartments(actor),
	}
	for _, d := range c.All {
		if e.Policy.CanCreateForDepartment(actor, d) {
			out.Creatable = append(out.Creatable, d)
		}
	}
	return out, nil
}

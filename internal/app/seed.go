package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/events"
	"deliverline/internal/store"
)

// DemoUsers has one account per role.
var DemoUsers = []domain.User{
	{ID: "demo-direction", Email: "direction@example.com", Name: "Claire Direction", Department: domain.DepartmentGeneralManagement, Role: domain.RoleDirection},
	{ID: "demo-tech", Email: "tech@example.com", Name: "Thomas Tech", Department: domain.DepartmentTechnicalDirection, Role: domain.RoleTechnicalAdmin},
	{ID: "demo-head", Email: "marketing.head@example.com", Name: "Marie Marketing", Department: domain.DepartmentMarketing, Role: domain.RoleDepartmentHead},
	{ID: "demo-dev", Email: "dev@example.com", Name: "Dev User", Department: domain.DepartmentDevelopment, Role: domain.RoleRegularUser},
	{ID: "demo-viewer", Email: "viewer@example.com", Name: "Sam Sales", Department: domain.DepartmentSales, Role: domain.RoleViewer},
}

// SeedResult counts what Seed wrote.
type SeedResult struct {
	Users        int `json:"users"`
	Deliverables int `json:"deliverables"`
}

// Seed writes the demo accounts, all sharing password, and a few
// deliverables. Users that already exist are left alone, so seeding twice is harmless.
func Seed(ctx context.Context, eng engine.Engine, password string) (SeedResult, error) {
	var res SeedResult
	if len(password) < 6 {
		return res, &domain.ValidationError{Field: "password", Message: "seed password must be at least 6 characters"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost(eng))
	if err != nil {
		return res, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now()
	if eng.Now != nil {
		now = eng.Now()
	}
	for _, u := range DemoUsers {
		if _, err := eng.Store.GetUser(ctx, u.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return res, err
		}
		u.CreatedAt = now.UTC()
		u.LastAccessAt = now.UTC()
		u.Active = true
		change := events.Change{
			Type:       events.UserRegistered,
			EntityKind: "user",
			EntityID:   u.ID,
			ActorID:    engine.SystemActor,
			Payload:    events.EventPayload{"email": u.Email, "department": string(u.Department), "role": string(u.Role), "seed": true},
		}
		if err := eng.Store.CreateUser(ctx, u, string(hash), change); err != nil {
			return res, fmt.Errorf("seed user %s: %w", u.ID, err)
		}
		res.Users++
	}
	if res.Users == 0 {
		return res, nil
	}

	day := 24 * time.Hour
	demo := []engine.DeliverableCreateOptions{
		{ActorID: "demo-tech", Name: "MyApplication v1.0", Description: "First public release of the mobile app",
			Department: domain.DepartmentDevelopment, Deadline: now.Add(2 * day), Priority: "high", Tags: []string{"release"}},
		{ActorID: "demo-head", Name: "Technical documentation", Description: "User guide and API reference",
			Department: domain.DepartmentMarketing, Deadline: now.Add(10 * day)},
		{ActorID: "demo-direction", Name: "Quarterly budget review", Description: "Budget figures for the board",
			Department: domain.DepartmentFinance, Deadline: now.Add(-1 * day), Priority: "urgent"},
	}
	for _, opts := range demo {
		if _, err := eng.CreateDeliverable(ctx, opts); err != nil {
			return res, fmt.Errorf("seed deliverable %q: %w", opts.Name, err)
		}
		res.Deliverables++
	}
	return res, nil
}

func cost(eng engine.Engine) int {
	if eng.PasswordCost > 0 {
		return eng.PasswordCost
	}
	return bcrypt.DefaultCost
}

// ErrAlreadyBootstrapped is returned by Bootstrap once any user exists.
var ErrAlreadyBootstrapped = errors.New("workspace already has users")

// BootstrapOptions describe the first account of an empty workspace.
type BootstrapOptions struct {
	Email    string
	Password string
	Name     string
}

// Bootstrap creates the first user, a direction member of the general
// management department. Every later account goes through the engine, which
// needs an existing user manager.
func Bootstrap(ctx context.Context, eng engine.Engine, opts BootstrapOptions) (domain.User, error) {
	users, err := eng.Store.ListUsers(ctx)
	if err != nil {
		return domain.User{}, err
	}
	if len(users) > 0 {
		return domain.User{}, ErrAlreadyBootstrapped
	}
	if len(opts.Password) < 6 {
		return domain.User{}, &domain.ValidationError{Field: "password", Message: "password must be at least 6 characters"}
	}
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if local, host, ok := strings.Cut(email, "@"); !ok || local == "" || host == "" {
		return domain.User{}, &domain.ValidationError{Field: "email", Message: "email must look like name@host"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), cost(eng))
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now()
	if eng.Now != nil {
		now = eng.Now()
	}
	u := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(opts.Name),
		Department:   eng.Policy.Catalog.GeneralManagement,
		Role:         domain.RoleDirection,
		CreatedAt:    now.UTC(),
		LastAccessAt: now.UTC(),
		Active:       true,
	}
	change := events.Change{
		Type:       events.UserRegistered,
		EntityKind: "user",
		EntityID:   u.ID,
		ActorID:    engine.SystemActor,
		Payload:    events.EventPayload{"email": u.Email, "department": string(u.Department), "role": string(u.Role), "bootstrap": true},
	}
	if err := eng.Store.CreateUser(ctx, u, string(hash), change); err != nil {
		return domain.User{}, fmt.Errorf("bootstrap user: %w", err)
	}
	return u, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"deliverline/internal/domain"
	"deliverline/internal/engine/auth"
	"deliverline/internal/events"
	"deliverline/internal/store"
)

const (
	entityUser        = "user"
	minPasswordLength = 6
)

// RegisterOptions carry a self-service sign-up.
type RegisterOptions struct {
	Email      string
	Password   string
	Name       string
	Phone      string
	Department domain.Department
}

// Register creates an active regular user with a password. Privileged
// departments are refused; those accounts come from SaveUser or the bootstrap.
func (e Engine) Register(ctx context.Context, opts RegisterOptions) (domain.User, error) {
	if err := checkPassword(opts.Password); err != nil {
		return domain.User{}, err
	}
	if e.Policy.IsPrivilegedDepartment(opts.Department) {
		return domain.User{}, &domain.ValidationError{
			Field:   "department",
			Message: fmt.Sprintf("department %q cannot be joined by self-registration", opts.Department),
		}
	}
	return e.createUser(ctx, "", UserCreateOptions{
		Email:      opts.Email,
		Password:   opts.Password,
		Name:       opts.Name,
		Phone:      opts.Phone,
		Department: opts.Department,
	})
}

// UserCreateOptions are used by user managers. Password may be empty for
// accounts that only authenticate with API keys.
type UserCreateOptions struct {
	ID         string
	ActorID    string
	Email      string
	Password   string
	Name       string
	Phone      string
	Department domain.Department
	Role       string
}

// SaveUser creates a user on behalf of a user manager.
func (e Engine) SaveUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.User{}, err
	}
	if !e.Policy.CanManageUsers(actor) {
		return domain.User{}, e.deny(actor, "user.create", opts.Department)
	}
	if opts.Password != "" {
		if err := checkPassword(opts.Password); err != nil {
			return domain.User{}, err
		}
	}
	return e.createUser(ctx, actor.ID, opts)
}

func (e Engine) createUser(ctx context.Context, actorID string, opts UserCreateOptions) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if local, host, ok := strings.Cut(email, "@"); !ok || local == "" || host == "" {
		return domain.User{}, &domain.ValidationError{Field: "email", Message: "a valid email is required"}
	}
	if !e.Policy.Catalog.Contains(opts.Department) {
		return domain.User{}, &domain.ValidationError{Field: "department", Message: fmt.Sprintf("unknown department %q", opts.Department)}
	}
	role, ok := domain.ParseRole(opts.Role)
	if !ok {
		return domain.User{}, &domain.ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", opts.Role)}
	}
	if _, err := e.Store.GetUserByEmail(ctx, email); err == nil {
		return domain.User{}, fmt.Errorf("email %s: %w", email, store.ErrConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.User{}, err
	}
	var hash []byte
	if opts.Password != "" {
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(opts.Password), e.passwordCost()); err != nil {
			return domain.User{}, fmt.Errorf("hash password: %w", err)
		}
	}
	now := e.now().UTC()
	u := domain.User{
		ID:           opts.ID,
		Email:        email,
		Name:         e.sanitizer().Line(opts.Name),
		Department:   opts.Department,
		Role:         role,
		CreatedAt:    now,
		LastAccessAt: now,
		Active:       true,
		Phone:        strings.TrimSpace(opts.Phone),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if actorID == "" {
		actorID = u.ID
	}
	change := events.Change{
		Type:       events.UserRegistered,
		EntityKind: entityUser,
		EntityID:   u.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"email": u.Email, "department": string(u.Department), "role": string(u.Role)},
	}
	if err := e.Store.CreateUser(ctx, u, string(hash), change); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	e.log().Info("user created", "id", u.ID, "department", string(u.Department), "role", string(u.Role), "actor", actorID)
	return u, nil
}

func (e Engine) passwordCost() int {
	if e.PasswordCost > 0 {
		return e.PasswordCost
	}
	return bcrypt.DefaultCost
}

func checkPassword(password string) error {
	if len(password) < minPasswordLength {
		return &domain.ValidationError{Field: "password", Message: fmt.Sprintf("password must be at least %d characters", minPasswordLength)}
	}
	return nil
}

// Authenticate checks an email and password and records the access time.
func (e Engine) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	u, err := e.checkCredentials(ctx, email, password)
	if err != nil {
		e.metrics().RecordLogin(false)
		e.log().Warn("login failed", "email", strings.ToLower(strings.TrimSpace(email)), "error", err)
		return domain.User{}, err
	}
	u = u.TouchAccess(e.now().UTC())
	if err := e.Store.PutUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("record access: %w", err)
	}
	e.metrics().RecordLogin(true)
	return u, nil
}

func (e Engine) checkCredentials(ctx context.Context, email, password string) (domain.User, error) {
	u, err := e.Store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}
	hash, err := e.Store.PasswordHash(ctx, u.ID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	if !u.Active {
		return domain.User{}, ErrInactiveUser
	}
	return u, nil
}

// UserUpdateOptions change a user. Profile fields (name, phone, preferences)
// may be edited by the user; department, role and active need a user manager.
type UserUpdateOptions struct {
	ID          string
	ActorID     string
	Name        *string
	Phone       *string
	Preferences map[string]any
	Department  *domain.Department
	Role        *string
	Active      *bool
}

func (e Engine) UpdateUser(ctx context.Context, opts UserUpdateOptions) (domain.User, error) {
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.User{}, err
	}
	target, err := e.Store.GetUser(ctx, opts.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("user %s: %w", opts.ID, err)
	}
	manager := e.Policy.CanManageUsers(actor)
	if !manager && actor.ID != target.ID {
		return domain.User{}, e.deny(actor, "user.update", target.Department)
	}
	if !manager && (opts.Department != nil || opts.Role != nil || opts.Active != nil) {
		return domain.User{}, e.deny(actor, "user.update", target.Department)
	}

	next := target.Clone()
	var fields []string
	if opts.Name != nil {
		next.Name = e.sanitizer().Line(*opts.Name)
		fields = append(fields, "name")
	}
	if opts.Phone != nil {
		next.Phone = strings.TrimSpace(*opts.Phone)
		fields = append(fields, "phone")
	}
	for _, key := range slices.Sorted(maps.Keys(opts.Preferences)) {
		next = next.WithPreference(key, opts.Preferences[key])
		fields = append(fields, "preferences."+key)
	}
	var role domain.Role
	if opts.Role != nil {
		r, ok := domain.ParseRole(*opts.Role)
		if !ok {
			return domain.User{}, &domain.ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", *opts.Role)}
		}
		role = r
		fields = append(fields, "role")
	}
	dept := next.Department
	if opts.Department != nil {
		if !e.Policy.Catalog.Contains(*opts.Department) {
			return domain.User{}, &domain.ValidationError{Field: "department", Message: fmt.Sprintf("unknown department %q", *opts.Department)}
		}
		dept = *opts.Department
		fields = append(fields, "department")
	}
	next = next.ChangeDepartment(dept, role)
	if opts.Active != nil {
		next.Active = *opts.Active
		fields = append(fields, "active")
	}
	if len(fields) == 0 {
		return target, nil
	}
	return e.saveUserChange(ctx, actor, next, fields)
}

func (e Engine) saveUserChange(ctx context.Context, actor, u domain.User, fields []string) (domain.User, error) {
	change := events.Change{
		Type:       events.UserUpdated,
		EntityKind: entityUser,
		EntityID:   u.ID,
		ActorID:    actor.ID,
		Payload:    events.EventPayload{"fields": fields, "department": string(u.Department), "role": string(u.Role)},
	}
	if err := e.Store.PutUser(ctx, u, change); err != nil {
		return domain.User{}, fmt.Errorf("save user %s: %w", u.ID, err)
	}
	e.log().Info("user updated", "id", u.ID, "actor", actor.ID, "fields", fields)
	return u, nil
}

// Promotion names a one-step role change.
type Promotion string

const (
	PromoteDepartmentHead     Promotion = "department_head"
	PromoteTechnicalDirection Promotion = "technical_direction"
)

// Promote applies a promotion. Technical direction also moves the user into
// the technical direction department.
func (e Engine) Promote(ctx context.Context, actorID, userID string, p Promotion) (domain.User, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.User{}, err
	}
	target, err := e.Store.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("user %s: %w", userID, err)
	}
	if !e.Policy.CanManageUsers(actor) {
		return domain.User{}, e.deny(actor, "user.promote", target.Department)
	}
	var next domain.User
	switch p {
	case PromoteDepartmentHead:
		next = target.PromoteDepartmentHead()
	case PromoteTechnicalDirection:
		next = target.PromoteTechnicalDirection(e.Policy.Catalog)
	default:
		return domain.User{}, &domain.ValidationError{Field: "promotion", Message: fmt.Sprintf("unknown promotion %q", p)}
	}
	return e.saveUserChange(ctx, actor, next, []string{"role", "promotion." + string(p)})
}

// SetPassword replaces a password. Users change their own; managers change anyone's.
func (e Engine) SetPassword(ctx context.Context, actorID, userID, password string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	target, err := e.Store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	if actor.ID != target.ID && !e.Policy.CanManageUsers(actor) {
		return e.deny(actor, "user.password", target.Department)
	}
	if err := checkPassword(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), e.passwordCost())
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	change := events.Change{Type: events.UserPasswordChanged, EntityKind: entityUser, EntityID: target.ID, ActorID: actor.ID}
	if err := e.Store.SetPassword(ctx, target.ID, string(hash), change); err != nil {
		return fmt.Errorf("save password: %w", err)
	}
	return nil
}

// GetUser returns a user the actor may see: themselves, anyone for a
// manager, otherwise users of a visible department.
func (e Engine) GetUser(ctx context.Context, actorID, id string) (domain.User, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.User{}, err
	}
	u, err := e.Store.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	if !e.canSeeUser(actor, u) {
		return domain.User{}, e.deny(actor, "user.view", u.Department)
	}
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context, actorID string) ([]domain.User, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	users, err := e.Store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := users[:0]
	for _, u := range users {
		if e.canSeeUser(actor, u) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (e Engine) canSeeUser(actor, u domain.User) bool {
	return actor.ID == u.ID || e.Policy.CanManageUsers(actor) || e.Policy.CanSeeDepartment(actor, u.Department)
}

// Identity is the acting user with every permission flag resolved.
type Identity struct {
	User        domain.User `json:"user"`
	DisplayName string      `json:"display_name"`
	Permissions auth.Flags  `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, actorID string) (Identity, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{User: actor, DisplayName: actor.DisplayName(), Permissions: e.Policy.Summary(actor)}, nil
}

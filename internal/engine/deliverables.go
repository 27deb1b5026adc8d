package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"deliverline/internal/config"
	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/scan"
	"deliverline/internal/store"
)

const entityDeliverable = "deliverable"

// DeliverableCreateOptions are parameters for creating a deliverable.
// An empty Department means the actor's own department.
type DeliverableCreateOptions struct {
	ID          string
	ActorID     string
	Name        string
	Description string
	Department  domain.Department
	Deadline    time.Time
	Priority    string
	Tags        []string
	ScanURL     *string
}

func (e Engine) CreateDeliverable(ctx context.Context, opts DeliverableCreateOptions) (domain.Deliverable, error) {
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	s := e.sanitizer()
	name := s.Line(opts.Name)
	description := s.Text(opts.Description)
	if err := domain.ValidateNew(name, description); err != nil {
		return domain.Deliverable{}, err
	}
	if opts.Deadline.IsZero() {
		return domain.Deliverable{}, &domain.ValidationError{Field: "deadline", Message: "deadline is required"}
	}
	priority := domain.PriorityMedium
	if opts.Priority != "" {
		p, ok := domain.ParsePriority(opts.Priority)
		if !ok {
			return domain.Deliverable{}, &domain.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", opts.Priority)}
		}
		priority = p
	}
	dept := opts.Department
	if dept == "" {
		dept = actor.Department
	}
	d := domain.Deliverable{
		ID:          opts.ID,
		Name:        name,
		Description: description,
		Department:  dept,
		Deadline:    opts.Deadline,
		Status:      domain.StatusToDo,
		Priority:    priority,
		Tags:        []string{},
	}
	for _, tag := range s.Lines(opts.Tags) {
		d = d.AddTag(tag)
	}
	if opts.ScanURL != nil {
		if url := s.Line(*opts.ScanURL); url != "" {
			d.ScanURL = &url
		}
	}
	return e.insertDeliverable(ctx, actor, d, events.DeliverableCreated, "manual")
}

func (e Engine) insertDeliverable(ctx context.Context, actor domain.User, d domain.Deliverable, eventType, source string) (domain.Deliverable, error) {
	if err := e.checkDepartment(d.Department); err != nil {
		return domain.Deliverable{}, err
	}
	if !e.Policy.CanCreateForDepartment(actor, d.Department) {
		return domain.Deliverable{}, e.deny(actor, "deliverable.create", d.Department)
	}
	now := e.now().UTC()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = now
	d.CreatedBy = actor.ID
	d = d.WithOverdueCounter(now)
	change := events.Change{
		Type:       eventType,
		EntityKind: entityDeliverable,
		EntityID:   d.ID,
		ActorID:    actor.ID,
		Payload: events.EventPayload{
			"name":       d.Name,
			"department": string(d.Department),
			"deadline":   d.Deadline.UTC().Format(time.RFC3339),
			"priority":   string(d.Priority),
		},
	}
	if err := e.Store.PutDeliverable(ctx, d, change); err != nil {
		return domain.Deliverable{}, fmt.Errorf("save deliverable: %w", err)
	}
	e.metrics().RecordDeliverableCreated(string(d.Department), source)
	e.log().Info("deliverable created", "id", d.ID, "department", string(d.Department), "actor", actor.ID, "source", source)
	return d, nil
}

// ScanInput is OCR text to turn into a deliverable. Department, when set,
// replaces the guessed department.
type ScanInput struct {
	ActorID    string
	Text       string
	Department domain.Department
	ScanURL    *string
	// DryRun returns the draft without saving anything.
	DryRun bool
}

type ScanResult struct {
	Draft       scan.Draft          `json:"draft"`
	Deliverable *domain.Deliverable `json:"deliverable,omitempty"`
}

// IngestScan builds a deliverable from scanned text. When no keyword rule
// matched and the actor may not file into the fallback department, the
// deliverable lands in the actor's own department.
func (e Engine) IngestScan(ctx context.Context, in ScanInput) (ScanResult, error) {
	actor, err := e.actor(ctx, in.ActorID)
	if err != nil {
		return ScanResult{}, err
	}
	text := e.sanitizer().Text(in.Text)
	if len(e.sanitizer().Line(text)) == 0 {
		return ScanResult{}, &domain.ValidationError{Field: "text", Message: "scanned text is empty"}
	}
	opts, err := scan.OptionsFromConfig(e.config(), e.now())
	if err != nil {
		return ScanResult{}, err
	}
	draft := scan.Build(text, opts)
	switch {
	case in.Department != "":
		draft.Department = in.Department
	case draft.Department == e.fallbackDepartment() && !e.Policy.CanCreateForDepartment(actor, draft.Department):
		draft.Department = actor.Department
	}
	if in.DryRun {
		return ScanResult{Draft: draft}, nil
	}
	if err := domain.ValidateNew(draft.Name, draft.Description); err != nil {
		return ScanResult{}, err
	}
	d := domain.Deliverable{
		Name:        draft.Name,
		Description: draft.Description,
		Department:  draft.Department,
		Deadline:    draft.Deadline,
		Status:      draft.Status,
		Priority:    draft.Priority,
		Tags:        slices.Clone(draft.Tags),
	}
	if in.ScanURL != nil {
		if url := e.sanitizer().Line(*in.ScanURL); url != "" {
			d.ScanURL = &url
		}
	}
	saved, err := e.insertDeliverable(ctx, actor, d, events.DeliverableScanned, "scan")
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{Draft: draft, Deliverable: &saved}, nil
}

func (e Engine) GetDeliverable(ctx context.Context, actorID, id string) (domain.Deliverable, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	return e.visibleDeliverable(ctx, actor, id)
}

func (e Engine) visibleDeliverable(ctx context.Context, actor domain.User, id string) (domain.Deliverable, error) {
	d, err := e.Store.GetDeliverable(ctx, id)
	if err != nil {
		return domain.Deliverable{}, fmt.Errorf("deliverable %s: %w", id, err)
	}
	if !e.canSee(actor, d) {
		return domain.Deliverable{}, e.deny(actor, "deliverable.view", d.Department)
	}
	return d, nil
}

// canSee applies department visibility; creators keep sight of their own
// deliverables after changing department.
func (e Engine) canSee(actor domain.User, d domain.Deliverable) bool {
	return e.Policy.CanSeeDepartment(actor, d.Department) || (d.CreatedBy != "" && d.CreatedBy == actor.ID)
}

// ListFilter narrows ListDeliverables. Attention and Overdue are evaluated at the engine's now.
// Query searches name, description, department and tags; Sort is deadline,
// priority, status or department.
type ListFilter struct {
	Department domain.Department
	Status     string
	Priority   string
	CreatedBy  string
	Tag        string
	Query      string
	Sort       string
	Attention  bool
	Overdue    bool
}

// ListDeliverables returns the deliverables the actor can see in the requested
// order, earliest deadline first by default.
func (e Engine) ListDeliverables(ctx context.Context, actorID string, f ListFilter) ([]domain.Deliverable, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	sf := store.Filter{CreatedBy: f.CreatedBy, Tag: f.Tag, Query: f.Query, Now: now}
	if f.Status != "" {
		st, ok := domain.ParseStatus(f.Status)
		if !ok {
			return nil, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
		}
		sf.Status = st
	}
	if f.Priority != "" {
		p, ok := domain.ParsePriority(f.Priority)
		if !ok {
			return nil, &domain.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", f.Priority)}
		}
		sf.Priority = p
	}
	key, ok := domain.ParseSortKey(f.Sort)
	if !ok {
		return nil, &domain.ValidationError{Field: "sort", Message: fmt.Sprintf("unknown sort %q (deadline, priority, status or department)", f.Sort)}
	}
	sf.Sort = key
	if f.Department != "" {
		sf.Departments = []domain.Department{f.Department}
	}
	ds, err := e.Store.ListDeliverables(ctx, sf)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	out := ds[:0]
	for _, d := range ds {
		if !e.canSee(actor, d) {
			continue
		}
		if f.Attention && !d.NeedsAttention(now) {
			continue
		}
		if f.Overdue && !d.IsOverdue(now) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Attention lists visible deliverables that are overdue, due soon or urgent.
func (e Engine) Attention(ctx context.Context, actorID string) ([]domain.Deliverable, error) {
	return e.ListDeliverables(ctx, actorID, ListFilter{Attention: true})
}

func (e Engine) Stats(ctx context.Context, actorID string) (domain.Stats, error) {
	ds, err := e.ListDeliverables(ctx, actorID, ListFilter{})
	if err != nil {
		return domain.Stats{}, err
	}
	return domain.Summarize(ds, e.now()), nil
}

// DeliverableUpdateOptions lists the transitions to apply. Status accepts
// in_progress or done; zero fields are left alone.
type DeliverableUpdateOptions struct {
	ID       string
	ActorID  string
	Status   string
	Priority string
	Deadline *time.Time
	AddTags  []string
}

func (o DeliverableUpdateOptions) empty() bool {
	return o.Status == "" && o.Priority == "" && o.Deadline == nil && len(o.AddTags) == 0
}

// UpdateDeliverable applies the requested transitions and writes one event per
// effective change. Priority and deadline are frozen once the deliverable is done.
func (e Engine) UpdateDeliverable(ctx context.Context, opts DeliverableUpdateOptions) (domain.Deliverable, error) {
	if opts.empty() {
		return domain.Deliverable{}, &domain.ValidationError{Field: "update", Message: "nothing to update"}
	}
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	// Edit rights do not depend on visibility: department heads may update
	// deliverables of departments they cannot browse.
	d, err := e.Store.GetDeliverable(ctx, opts.ID)
	if err != nil {
		return domain.Deliverable{}, fmt.Errorf("deliverable %s: %w", opts.ID, err)
	}
	if !e.Policy.CanModifyDeliverable(actor, d) {
		return domain.Deliverable{}, e.deny(actor, "deliverable.update", d.Department)
	}

	next := d
	var changes []events.Change
	var transitions []string
	change := func(typ string, payload events.EventPayload) {
		changes = append(changes, events.Change{Type: typ, EntityKind: entityDeliverable, EntityID: d.ID, ActorID: actor.ID, Payload: payload})
	}

	if opts.Priority != "" {
		p, ok := domain.ParsePriority(opts.Priority)
		if !ok {
			return domain.Deliverable{}, &domain.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", opts.Priority)}
		}
		if p != d.Priority {
			if !d.Modifiable() {
				return domain.Deliverable{}, &domain.ValidationError{Field: "priority", Message: "deliverable is done"}
			}
			next = next.ChangePriority(p)
			change(events.DeliverablePriorityChanged, events.EventPayload{"from": string(d.Priority), "to": string(p)})
			transitions = append(transitions, "priority")
		}
	}
	if opts.Deadline != nil {
		if opts.Deadline.IsZero() {
			return domain.Deliverable{}, &domain.ValidationError{Field: "deadline", Message: "deadline is required"}
		}
		if !opts.Deadline.Equal(d.Deadline) {
			if !d.Modifiable() {
				return domain.Deliverable{}, &domain.ValidationError{Field: "deadline", Message: "deliverable is done"}
			}
			next = next.ChangeDeadline(*opts.Deadline)
			change(events.DeliverableDeadlineChanged, events.EventPayload{
				"from": d.Deadline.UTC().Format(time.RFC3339),
				"to":   opts.Deadline.UTC().Format(time.RFC3339),
			})
			transitions = append(transitions, "deadline")
		}
	}
	if len(opts.AddTags) > 0 {
		var added []string
		for _, tag := range e.sanitizer().Lines(opts.AddTags) {
			if !slices.Contains(next.Tags, tag) {
				next = next.AddTag(tag)
				added = append(added, tag)
			}
		}
		if len(added) > 0 {
			change(events.DeliverableTagged, events.EventPayload{"tags": added})
			transitions = append(transitions, "tag")
		}
	}
	if opts.Status != "" {
		st, ok := domain.ParseStatus(opts.Status)
		if !ok {
			return domain.Deliverable{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", opts.Status)}
		}
		switch st {
		case domain.StatusInProgress:
			if d.Status != domain.StatusInProgress {
				next = next.MarkInProgress()
				change(events.DeliverableStarted, events.EventPayload{"from": string(d.Status)})
				transitions = append(transitions, "started")
			}
		case domain.StatusDone:
			if d.Status != domain.StatusDone {
				next = next.MarkDone()
				change(events.DeliverableDone, events.EventPayload{"from": string(d.Status), "overdue_days": d.OverdueDays(e.now())})
				transitions = append(transitions, "done")
			}
		default:
			return domain.Deliverable{}, &domain.ValidationError{Field: "status", Message: "status can only move to in_progress or done"}
		}
	}
	if len(changes) == 0 {
		return d, nil
	}
	next = next.WithOverdueCounter(e.now())
	if err := e.Store.PutDeliverable(ctx, next, changes...); err != nil {
		return domain.Deliverable{}, fmt.Errorf("update deliverable %s: %w", d.ID, err)
	}
	for _, kind := range transitions {
		e.metrics().RecordTransition(kind)
	}
	e.log().Info("deliverable updated", "id", d.ID, "actor", actor.ID, "changes", transitions)
	return next, nil
}

// DeletePolicy selects which deletion rule DeleteDeliverable applies.
type DeletePolicy string

const (
	// DeleteByRole lets only direction and technical direction delete.
	DeleteByRole DeletePolicy = config.DeletePolicyRole
	// DeleteUnconditional defers to the record-level rule, which always allows it.
	DeleteUnconditional DeletePolicy = config.DeletePolicyUnconditional
)

// ParseDeletePolicy maps a name to a policy; empty means the configured default.
func ParseDeletePolicy(raw string) (DeletePolicy, error) {
	switch DeletePolicy(raw) {
	case "", DeleteByRole, DeleteUnconditional:
		return DeletePolicy(raw), nil
	}
	return "", &domain.ValidationError{Field: "policy", Message: fmt.Sprintf("unknown delete policy %q", raw)}
}

// DeleteDeliverable removes a visible deliverable when policy allows it.
// An empty policy uses the configured default.
func (e Engine) DeleteDeliverable(ctx context.Context, actorID, id string, policy DeletePolicy) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	d, err := e.visibleDeliverable(ctx, actor, id)
	if err != nil {
		return err
	}
	if policy == "" {
		policy = DeletePolicy(e.config().Deliverables.DeletePolicy)
	}
	var allowed bool
	switch policy {
	case DeleteUnconditional:
		allowed = d.CanBeDeleted()
	case DeleteByRole, "":
		policy = DeleteByRole
		allowed = e.Policy.CanDeleteDeliverables(actor)
	default:
		return &domain.ValidationError{Field: "policy", Message: fmt.Sprintf("unknown delete policy %q", policy)}
	}
	if !allowed {
		return e.deny(actor, "deliverable.delete", d.Department)
	}
	change := events.Change{
		Type:       events.DeliverableDeleted,
		EntityKind: entityDeliverable,
		EntityID:   d.ID,
		ActorID:    actor.ID,
		Payload:    events.EventPayload{"name": d.Name, "department": string(d.Department), "policy": string(policy)},
	}
	if err := e.Store.DeleteDeliverable(ctx, d.ID, change); err != nil {
		return fmt.Errorf("delete deliverable %s: %w", d.ID, err)
	}
	e.metrics().RecordDeliverableDeleted()
	e.log().Info("deliverable deleted", "id", d.ID, "actor", actor.ID, "policy", string(policy))
	return nil
}

// RefreshResult reports a RefreshOverdue pass.
type RefreshResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Overdue int `json:"overdue"`
}

// RefreshOverdue recomputes the stored overdue counter of every deliverable.
// A deliverable that crosses its deadline gets a deliverable.overdue event.
func (e Engine) RefreshOverdue(ctx context.Context) (RefreshResult, error) {
	ds, err := e.Store.ListDeliverables(ctx, store.Filter{})
	if err != nil {
		return RefreshResult{}, fmt.Errorf("list deliverables: %w", err)
	}
	now := e.now()
	var res RefreshResult
	for _, d := range ds {
		res.Checked++
		if d.IsOverdue(now) {
			res.Overdue++
		}
		next := d.WithOverdueCounter(now)
		if next.DaysOverdue == d.DaysOverdue {
			continue
		}
		var changes []events.Change
		if d.DaysOverdue == 0 && next.DaysOverdue > 0 {
			changes = append(changes, events.Change{
				Type:       events.DeliverableOverdue,
				EntityKind: entityDeliverable,
				EntityID:   d.ID,
				ActorID:    SystemActor,
				Payload:    events.EventPayload{"days": next.DaysOverdue, "department": string(d.Department)},
			})
		}
		if err := e.Store.PutDeliverable(ctx, next, changes...); err != nil {
			return res, fmt.Errorf("refresh deliverable %s: %w", d.ID, err)
		}
		res.Updated++
	}
	e.metrics().RecordOverdue(res.Overdue)
	e.log().Info("overdue counters refreshed", "checked", res.Checked, "updated", res.Updated, "overdue", res.Overdue)
	return res, nil
}

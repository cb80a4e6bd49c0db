// ABOUTME: Resolves channel identifiers to durable people and open conversations.
// ABOUTME: Find-or-create with per-identifier serialization so first contact yields one person.

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novigo/mia-relay/internal/store"
)

// Resolver maps channel identifiers to people and people to their open
// conversation. Creation is serialized per identifier so two concurrent first
// messages from the same sender produce one person; the storage unique index
// backstops any process that slips past the lock.
type Resolver struct {
	store        store.Store
	tenantScoped bool
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver creates a resolver. When tenantScoped is true, person lookups
// are narrowed to the instance's tenant.
func NewResolver(s store.Store, tenantScoped bool, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:        s,
		tenantScoped: tenantScoped,
		logger:       logger.With("component", "identity"),
		locks:        make(map[string]*sync.Mutex),
	}
}

// LookupTenant returns the tenant to scope lookups by for an instance, or
// empty when tenant scoping is off.
func (r *Resolver) LookupTenant(inst *store.Instance) string {
	if !r.tenantScoped || inst == nil {
		return ""
	}
	return inst.TenantID
}

// identifierLock returns the mutex serializing creation for one identifier.
func (r *Resolver) identifierLock(identifier string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[identifier]
	if !ok {
		l = &sync.Mutex{}
		r.locks[identifier] = l
	}
	return l
}

// releaseIdentifierLock evicts an identifier's lock entry once creation has
// settled. Goroutines already waiting on the mutex proceed normally; any
// goroutine that picks up a fresh lock is covered by the re-check and the
// storage unique index.
func (r *Resolver) releaseIdentifierLock(identifier string) {
	r.mu.Lock()
	delete(r.locks, identifier)
	r.mu.Unlock()
}

// ResolvePerson finds the person behind an identifier, creating one on first
// contact. Lookup tries the canonical form first, then the raw wire form, so
// people recorded before an encoding change still match. A known display name
// is backfilled onto people created without one.
func (r *Resolver) ResolvePerson(ctx context.Context, inst *store.Instance, ident Identifier, name string) (*store.Person, error) {
	tenant := ""
	if r.tenantScoped {
		tenant = inst.TenantID
	}

	if p, err := r.findPerson(ctx, ident, tenant); err == nil {
		if name != "" && p.Name == "" {
			if err := r.store.UpdatePersonName(ctx, p.ID, name); err == nil {
				p.Name = name
			}
		}
		return p, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	lock := r.identifierLock(ident.Canonical)
	lock.Lock()
	defer r.releaseIdentifierLock(ident.Canonical)
	defer lock.Unlock()

	// Re-check under the lock: another goroutine may have created the person
	// while we waited.
	if p, err := r.findPerson(ctx, ident, tenant); err == nil {
		return p, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	p := &store.Person{
		ID:                  uuid.New().String(),
		Name:                name,
		MessagingIdentifier: ident.Canonical,
		OriginalIdentifier:  ident.Raw,
		TenantID:            tenant,
		CreatedAt:           time.Now(),
	}
	err := r.store.CreatePerson(ctx, p)
	if errors.Is(err, store.ErrDuplicatePerson) {
		// Lost a cross-process race; the winner's row is the person.
		return r.findPerson(ctx, ident, tenant)
	}
	if err != nil {
		return nil, fmt.Errorf("creating person: %w", err)
	}

	r.logger.Info("person created",
		"person_id", p.ID,
		"identifier", p.MessagingIdentifier,
		"kind", ident.Kind)
	return p, nil
}

func (r *Resolver) findPerson(ctx context.Context, ident Identifier, tenant string) (*store.Person, error) {
	p, err := r.store.FindPersonByIdentifier(ctx, ident.Canonical, tenant)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return p, err
	}
	if ident.Raw != ident.Canonical {
		return r.store.FindPersonByIdentifier(ctx, ident.Raw, tenant)
	}
	return nil, store.ErrNotFound
}

// ResolveConversation returns the person's open conversation with the
// instance, creating one if none is open.
func (r *Resolver) ResolveConversation(ctx context.Context, person *store.Person, inst *store.Instance) (*store.Conversation, error) {
	c, err := r.store.FindOpenConversation(ctx, person.ID, inst.ID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	c = &store.Conversation{
		ID:         uuid.New().String(),
		PersonID:   person.ID,
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		StartedAt:  time.Now(),
	}
	err = r.store.CreateConversation(ctx, c)
	if errors.Is(err, store.ErrDuplicateConversation) {
		// Lost the create race; the open conversation now exists.
		return r.store.FindOpenConversation(ctx, person.ID, inst.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	r.logger.Info("conversation started",
		"conversation_id", c.ID,
		"person_id", person.ID,
		"instance_id", inst.ID)
	return c, nil
}

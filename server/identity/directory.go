package identity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Directory is a static, in-memory Resolver
type Directory struct {
	mu        sync.RWMutex
	users     map[string]*User // map[entityID]*User
	byAddress map[string]string
	logger    *slog.Logger
}

// Option represents a configuration option for the Directory
type Option func(*Directory)

// WithLogger sets the logger for the directory
func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDirectory creates an empty directory
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		users:     make(map[string]*User),
		byAddress: make(map[string]string),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Add registers a user. An address may only belong to one user.
func (d *Directory) Add(u User) error {
	if u.EntityID == "" {
		return fmt.Errorf("user without entity id")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, addr := range u.Addresses() {
		if owner, ok := d.byAddress[addr]; ok && owner != u.EntityID {
			d.logger.Warn("failed to add user: address taken",
				"entity_id", u.EntityID,
				"address", addr,
				"owner", owner)
			return fmt.Errorf("address %s already belongs to %s", addr, owner)
		}
	}

	if old, ok := d.users[u.EntityID]; ok {
		for _, addr := range old.Addresses() {
			delete(d.byAddress, addr)
		}
	}
	stored := u
	stored.Aliases = append([]string(nil), u.Aliases...)
	d.users[u.EntityID] = &stored
	for _, addr := range stored.Addresses() {
		d.byAddress[addr] = u.EntityID
	}

	d.logger.Debug("user added",
		"entity_id", u.EntityID,
		"addresses", len(stored.Addresses()))
	return nil
}

// Resolve implements Resolver
func (d *Directory) Resolve(_ context.Context, address string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byAddress[Normalize(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, address)
	}
	u := *d.users[id]
	u.Aliases = append([]string(nil), u.Aliases...)
	return &u, nil
}

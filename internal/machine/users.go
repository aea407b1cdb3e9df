package machine

import (
	"fmt"
	"log"
	"sync"

	"github.com/rsulzmann/repmachine/internal/events"
	"github.com/rsulzmann/repmachine/internal/store"
)

const usersKey = "users"

type usersDocument struct {
	Users    []User `json:"users"`
	Selected string `json:"selected,omitempty"`
}

// Registry holds the known users and the current selection, persisted through
// the store. Deleting the selected user clears the selection; it never
// reassigns to another user.
type Registry struct {
	logger *log.Logger
	store  *store.Store

	mu       sync.RWMutex
	users    []User
	selected string

	changedEvent *events.ChannelEvent[[]User]
	selectEvent  *events.ChannelEvent[string]
}

// NewRegistry loads any persisted users from st.
func NewRegistry(st *store.Store, logger *log.Logger) *Registry {
	if st == nil {
		panic("Registry: store cannot be nil")
	}
	if logger == nil {
		panic("Registry: logger cannot be nil")
	}

	r := &Registry{
		logger:       logger,
		store:        st,
		changedEvent: events.NewChannelEvent[[]User](true),
		selectEvent:  events.NewChannelEvent[string](true),
	}
	var doc usersDocument
	if r.store.Load(usersKey, &doc) {
		r.users = doc.Users
		r.selected = doc.Selected
		logger.Printf("Registry: loaded %d users", len(r.users))
	}
	return r
}

// ListenToUsers registers a channel for user list changes.
// Returns a deregistration function.
func (r *Registry) ListenToUsers(ch chan<- []User) func() {
	return r.changedEvent.Listen(ch)
}

// ListenToSelection registers a channel for selection changes.
// Returns a deregistration function.
func (r *Registry) ListenToSelection(ch chan<- string) func() {
	return r.selectEvent.Listen(ch)
}

// List returns a copy of the known users.
func (r *Registry) List() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, len(r.users))
	copy(out, r.users)
	return out
}

// Selected returns the selected user name, or "" when none is selected.
func (r *Registry) Selected() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

// Add registers a new user. Names are unique and non-empty.
func (r *Registry) Add(user User) error {
	if user.Name == "" {
		return fmt.Errorf("user name cannot be empty")
	}

	r.mu.Lock()
	for _, existing := range r.users {
		if existing.Name == user.Name {
			r.mu.Unlock()
			return fmt.Errorf("user %q already exists", user.Name)
		}
	}
	r.users = append(r.users, user)
	r.mu.Unlock()

	r.logger.Printf("Registry: added user %q", user.Name)
	r.persistAndNotify()
	return nil
}

// Delete removes the named user. Their ledger records keep their scope and
// become invisible until the user is re-created under the same name.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	kept := r.users[:0:0]
	for _, u := range r.users {
		if u.Name != name {
			kept = append(kept, u)
		}
	}
	removed := len(r.users) != len(kept)
	r.users = kept
	deselected := r.selected == name
	if deselected {
		r.selected = ""
	}
	r.mu.Unlock()

	if removed {
		r.logger.Printf("Registry: deleted user %q", name)
	}
	r.persistAndNotify()
	if deselected {
		r.selectEvent.Notify("")
	}
}

// Select makes name the active user, or clears the selection when name is "".
func (r *Registry) Select(name string) error {
	r.mu.Lock()
	if name != "" {
		found := false
		for _, u := range r.users {
			if u.Name == name {
				found = true
				break
			}
		}
		if !found {
			r.mu.Unlock()
			return fmt.Errorf("unknown user %q", name)
		}
	}
	r.selected = name
	r.mu.Unlock()

	r.persist()
	r.selectEvent.Notify(name)
	return nil
}

func (r *Registry) persist() {
	r.mu.RLock()
	doc := usersDocument{Users: append([]User(nil), r.users...), Selected: r.selected}
	r.mu.RUnlock()
	r.store.Save(usersKey, doc)
}

func (r *Registry) persistAndNotify() {
	r.persist()
	r.changedEvent.Notify(r.List())
}

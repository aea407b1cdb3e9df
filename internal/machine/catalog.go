package machine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rsulzmann/repmachine/internal/events"
)

const exercisesPath = "/api/exercises"

type catalogDocument struct {
	Exercises  []Exercise `json:"exercises"`
	Categories []Category `json:"categories"`
}

// Catalog is the client for the machine's exercise store, with a local cache
// of the last successful fetch. The machine is the source of truth; the cache
// only updates on confirmed writes.
type Catalog struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger

	mu         sync.RWMutex
	exercises  []Exercise
	categories []Category

	changedEvent *events.ChannelEvent[[]Exercise]
}

// NewCatalog creates a Catalog for the machine at baseURL (http://host).
func NewCatalog(baseURL string, client *http.Client, logger *log.Logger) *Catalog {
	if logger == nil {
		panic("Catalog: logger cannot be nil")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Catalog{
		baseURL:      baseURL,
		client:       client,
		logger:       logger,
		changedEvent: events.NewChannelEvent[[]Exercise](true),
	}
}

// ListenToExercises registers a channel for catalog changes.
// Returns a deregistration function.
func (c *Catalog) ListenToExercises(ch chan<- []Exercise) func() {
	return c.changedEvent.Listen(ch)
}

// Refresh fetches the catalog from the machine and replaces the cache.
func (c *Catalog) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+exercisesPath, nil)
	if err != nil {
		return fmt.Errorf("building catalog request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching catalog: unexpected status %s", resp.Status)
	}

	var doc catalogDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding catalog: %w", err)
	}

	c.mu.Lock()
	c.exercises = doc.Exercises
	c.categories = doc.Categories
	c.mu.Unlock()

	c.logger.Printf("Catalog: refreshed, %d exercises", len(doc.Exercises))
	c.changedEvent.Notify(c.List())
	return nil
}

// List returns a copy of the cached exercises.
func (c *Catalog) List() []Exercise {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Exercise, len(c.exercises))
	copy(out, c.exercises)
	return out
}

// Categories returns a copy of the cached categories.
func (c *Catalog) Categories() []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Category, len(c.categories))
	copy(out, c.categories)
	return out
}

// Get looks up a cached exercise by name.
func (c *Catalog) Get(name string) (Exercise, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ex := range c.exercises {
		if ex.Name == name {
			return ex, true
		}
	}
	return Exercise{}, false
}

// Upsert creates or updates an exercise on the machine, keyed by name, and
// mirrors the confirmed write into the cache.
func (c *Catalog) Upsert(ctx context.Context, exercise Exercise) error {
	if exercise.Name == "" {
		return fmt.Errorf("exercise name cannot be empty")
	}
	body, err := json.Marshal(exercise)
	if err != nil {
		return fmt.Errorf("encoding exercise: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+exercisesPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upserting exercise: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upserting exercise: unexpected status %s", resp.Status)
	}

	c.mu.Lock()
	replaced := false
	for i, ex := range c.exercises {
		if ex.Name == exercise.Name {
			c.exercises[i] = exercise
			replaced = true
			break
		}
	}
	if !replaced {
		c.exercises = append(c.exercises, exercise)
	}
	c.mu.Unlock()

	c.changedEvent.Notify(c.List())
	return nil
}

// Delete removes an exercise from the machine and the cache.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	target := c.baseURL + exercisesPath + "?name=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting exercise: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deleting exercise: unexpected status %s", resp.Status)
	}

	c.mu.Lock()
	kept := c.exercises[:0:0]
	for _, ex := range c.exercises {
		if ex.Name != name {
			kept = append(kept, ex)
		}
	}
	c.exercises = kept
	c.mu.Unlock()

	c.changedEvent.Notify(c.List())
	return nil
}

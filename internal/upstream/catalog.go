package upstream

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tidwall/gjson"
)

const responsesEndpoint = "/responses"

// Model is one entry of the upstream model list.
type Model struct {
	ID                 string
	Name               string
	Vendor             string
	Version            string
	SupportedEndpoints []string
}

// Catalog caches the upstream model list.
type Catalog struct {
	client *Client

	mu     sync.RWMutex
	models map[string]Model
	order  []string
}

func NewCatalog(client *Client) *Catalog {
	return &Catalog{client: client, models: make(map[string]Model)}
}

// Refresh reloads the model list from the upstream.
func (c *Catalog) Refresh(ctx context.Context) error {
	body, err := c.client.Get(ctx, "/models")
	if err != nil {
		return fmt.Errorf("fetch models: %w", err)
	}
	c.Load(body)
	return nil
}

// Load replaces the catalog with a raw /models response body.
func (c *Catalog) Load(body []byte) {
	models := make(map[string]Model)
	var order []string
	gjson.GetBytes(body, "data").ForEach(func(_, v gjson.Result) bool {
		m := Model{
			ID:      v.Get("id").String(),
			Name:    v.Get("name").String(),
			Vendor:  v.Get("vendor").String(),
			Version: v.Get("version").String(),
		}
		if m.ID == "" {
			return true
		}
		for _, e := range v.Get("supported_endpoints").Array() {
			m.SupportedEndpoints = append(m.SupportedEndpoints, e.String())
		}
		if _, dup := models[m.ID]; !dup {
			order = append(order, m.ID)
		}
		models[m.ID] = m
		return true
	})

	c.mu.Lock()
	c.models = models
	c.order = order
	c.mu.Unlock()
}

func (c *Catalog) Get(id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// Models returns the catalog in upstream order.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

// SupportsResponses reports whether the model is served over the responses
// protocol. Unknown models use chat completions.
func (c *Catalog) SupportsResponses(id string) bool {
	m, ok := c.Get(id)
	return ok && slices.Contains(m.SupportedEndpoints, responsesEndpoint)
}

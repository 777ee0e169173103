package intercept

import (
	"sort"
	"sync"
	"time"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/uuid"
)

// Headers a page sends with proxied requests.
const (
	// HeaderClientID identifies the page a request comes from.
	HeaderClientID = "X-Client-ID"

	// HeaderClientURL carries the address the page is showing.
	HeaderClientURL = "X-Client-URL"
)

// Client is an open page known to the worker.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controlled bool      `json:"controlled"`
	Focused    bool      `json:"focused"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Clients tracks open pages. Focus and open requests are delivered to the
// pages as events.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*Client
	claimed bool
	clock   clock.Clock
	events  events.Emitter
}

// NewClients creates an empty registry.
func NewClients(clk clock.Clock, emitter events.Emitter) *Clients {
	return &Clients{
		clients: make(map[string]*Client),
		clock:   clk,
		events:  emitter,
	}
}

// Touch records that page id is showing url. An empty url only marks the
// page as seen. Pages seen after Claim are controlled immediately.
func (c *Clients) Touch(id, url string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	client, ok := c.clients[id]
	if !ok {
		client = &Client{ID: id}
		c.clients[id] = client
	}
	if url != "" {
		client.URL = url
	}
	client.LastSeen = c.clock.Now()
	if c.claimed {
		client.Controlled = true
	}
}

// Claim takes control of every known page and returns how many there are.
func (c *Clients) Claim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed = true
	for _, client := range c.clients {
		client.Controlled = true
	}
	return len(c.clients)
}

// Remove forgets a page.
func (c *Clients) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, id)
}

// List returns copies of the known pages ordered by id.
func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.clients))
	for _, client := range c.clients {
		out = append(out, *client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MatchURL returns the most recently seen page showing url.
func (c *Clients) MatchURL(url string) (Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Client
	for _, client := range c.clients {
		if client.URL != url {
			continue
		}
		if best == nil || client.LastSeen.After(best.LastSeen) {
			best = client
		}
	}
	if best == nil {
		return Client{}, false
	}
	return *best, true
}

// Focus marks page id as focused and asks it to come to the front.
func (c *Clients) Focus(id string) (Client, bool) {
	c.mu.Lock()
	client, ok := c.clients[id]
	if ok {
		for _, other := range c.clients {
			other.Focused = false
		}
		client.Focused = true
	}
	var out Client
	if ok {
		out = *client
	}
	c.mu.Unlock()

	if ok {
		c.events.Emit(events.ClientFocus, map[string]interface{}{"clientId": id, "url": out.URL})
	}
	return out, ok
}

// Open asks for a new page showing url and registers it.
func (c *Clients) Open(url string) Client {
	client := &Client{
		ID:         uuid.New(),
		URL:        url,
		Focused:    true,
		Controlled: true,
		LastSeen:   c.clock.Now(),
	}

	c.mu.Lock()
	for _, other := range c.clients {
		other.Focused = false
	}
	c.clients[client.ID] = client
	out := *client
	c.mu.Unlock()

	c.events.Emit(events.ClientOpen, map[string]interface{}{"clientId": out.ID, "url": url})
	return out
}

package interceptor

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

// ClientHeader carries the identity of the page a request comes from.
const ClientHeader = "X-Alliopro-Client"

// ClientID returns the identity of the client that sent `r`: the ClientHeader value, else the remote host.
func ClientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientHeader)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientRegistry tracks open clients and the generation controlling each of them. A client that showed up while
// no generation was active stays uncontrolled until a generation claims it.
type ClientRegistry struct {
	mux     sync.Mutex
	clients map[ /*clientID*/ string] /*generation*/ string // Empty generation means uncontrolled.
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]string)}
}

// Observe records a request of client `id` and returns the generation controlling it. A new client is controlled
// by `activeGeneration`, which is empty when nothing is active.
func (c *ClientRegistry) Observe(id, activeGeneration string) string {
	c.mux.Lock()
	defer c.mux.Unlock()

	if generation, known := c.clients[id]; known {
		return generation
	}
	c.clients[id] = activeGeneration
	return activeGeneration
}

// Claim makes `generation` the controller of every known client and returns the number of clients claimed.
func (c *ClientRegistry) Claim(generation string) int {
	c.mux.Lock()
	defer c.mux.Unlock()

	for id := range c.clients {
		c.clients[id] = generation
	}
	return len(c.clients)
}

// Forget drops a closed client.
func (c *ClientRegistry) Forget(id string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	delete(c.clients, id)
}

// Controlled returns the number of clients controlled by some generation.
func (c *ClientRegistry) Controlled() int {
	c.mux.Lock()
	defer c.mux.Unlock()

	controlled := 0
	for _, generation := range c.clients {
		if generation != "" {
			controlled++
		}
	}
	return controlled
}

// Len returns the number of known clients.
func (c *ClientRegistry) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.clients)
}

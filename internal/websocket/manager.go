package websocket

import (
	"sort"
	"sync"

	"github.com/nfrund/fanout/internal/metrics"
)

// ClientManager tracks open streams by client and by topic.
type ClientManager struct {
	clients map[string]*Client
	topics  map[string]map[string]bool // topic -> set of client IDs
	mu      sync.RWMutex
}

// NewClientManager creates a new ClientManager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[string]*Client),
		topics:  make(map[string]map[string]bool),
	}
}

// Add registers a new client.
func (m *ClientManager) Add(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[client.ID] = client
	if _, ok := m.topics[client.Topic]; !ok {
		m.topics[client.Topic] = make(map[string]bool)
	}
	m.topics[client.Topic][client.ID] = true
	metrics.WebSocketStreams.Set(float64(len(m.clients)))
}

// Remove unregisters a client. Unknown IDs are ignored.
func (m *ClientManager) Remove(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[clientID]
	if !ok {
		return
	}
	delete(m.clients, clientID)
	if ids := m.topics[client.Topic]; ids != nil {
		delete(ids, clientID)
		if len(ids) == 0 {
			delete(m.topics, client.Topic)
		}
	}
	metrics.WebSocketStreams.Set(float64(len(m.clients)))
}

// GetByTopic returns the clients streaming topic, oldest first.
func (m *ClientManager) GetByTopic(topic string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Client
	for id := range m.topics[topic] {
		if client, ok := m.clients[id]; ok {
			out = append(out, client)
		}
	}
	sortClients(out)
	return out
}

// GetAll returns all currently connected clients, oldest first.
func (m *ClientManager) GetAll() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		out = append(out, client)
	}
	sortClients(out)
	return out
}

// Count returns the number of open streams.
func (m *ClientManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func sortClients(cs []*Client) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].ConnectedAt.Equal(cs[j].ConnectedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].ConnectedAt.Before(cs[j].ConnectedAt)
	})
}

package pubsub

import (
	"fmt"
	"slices"
	"strings"
)

// ConnectionID identifies one logical subscriber. IDs increase monotonically
// and are never reused for the lifetime of a Service.
type ConnectionID uint64

// PoolKey identifies a pool of connections sharing one physical subscription.
type PoolKey struct {
	Topic   string `json:"topic"`
	Subject string `json:"subject,omitempty"`
}

// NewPoolKey builds the key for topic and an optional subject.
func NewPoolKey(topic, subject string) PoolKey {
	return PoolKey{Topic: topic, Subject: subject}
}

func (k PoolKey) String() string {
	if k.Subject == "" {
		return k.Topic
	}
	return k.Topic + "/" + k.Subject
}

// SubscriptionNamer derives the broker-side subscription name for a pool.
type SubscriptionNamer func(key PoolKey) string

// DefaultSubscriptionName names subscriptions "<topic>-<subject>-subscription",
// dropping the subject part when there is none.
func DefaultSubscriptionName(key PoolKey) string {
	if key.Subject == "" {
		return sanitizeName(key.Topic) + "-subscription"
	}
	return fmt.Sprintf("%s-%s-subscription", sanitizeName(key.Topic), sanitizeName(key.Subject))
}

// sanitizeName keeps characters every supported broker accepts in a
// subscription name.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// pool is the in-process bookkeeping of one physical subscription.
type pool struct {
	key      PoolKey
	topic    string
	name     string
	refCount int
	ids      []ConnectionID // ascending

	handle     Handle
	messageLID ListenerID
	errorLID   ListenerID
	attached   bool
}

func (p *pool) add(id ConnectionID) {
	p.ids = append(p.ids, id)
	p.refCount++
	p.check()
}

func (p *pool) remove(id ConnectionID) bool {
	i, found := slices.BinarySearch(p.ids, id)
	if !found {
		return false
	}
	p.ids = slices.Delete(p.ids, i, i+1)
	p.refCount--
	p.check()
	return true
}

func (p *pool) check() {
	if p.refCount != len(p.ids) || p.refCount < 0 {
		panic(fmt.Sprintf("pubsub: pool %s refcount %d does not match %d connections", p.key, p.refCount, len(p.ids)))
	}
}

// detachment is what is left to undo on a broker handle once a pool is gone.
type detachment struct {
	key        PoolKey
	name       string
	handle     Handle
	messageLID ListenerID
	errorLID   ListenerID
	// deleted is non-nil when teardown also deletes the broker subscription;
	// it is closed once that is done.
	deleted chan struct{}
}

func (p *pool) detachment() (detachment, bool) {
	if !p.attached || p.handle == nil {
		return detachment{key: p.key, name: p.name}, false
	}
	return detachment{
		key:        p.key,
		name:       p.name,
		handle:     p.handle,
		messageLID: p.messageLID,
		errorLID:   p.errorLID,
	}, true
}

type connection struct {
	id       ConnectionID
	key      PoolKey
	callback Callback
}

// registry holds the pool and connection maps. It is not safe for concurrent
// use; Service serializes access with its mutex.
type registry struct {
	nextID ConnectionID
	pools  map[PoolKey]*pool
	conns  map[ConnectionID]*connection
	namer  SubscriptionNamer
}

func newRegistry(namer SubscriptionNamer) *registry {
	if namer == nil {
		namer = DefaultSubscriptionName
	}
	return &registry{
		nextID: 1,
		pools:  make(map[PoolKey]*pool),
		conns:  make(map[ConnectionID]*connection),
		namer:  namer,
	}
}

// allocate registers a new connection for key, creating the pool record when
// needed. It returns the pool and how many connections it had before.
func (r *registry) allocate(key PoolKey, cb Callback) (ConnectionID, *pool, int) {
	id := r.nextID
	r.nextID++

	p, ok := r.pools[key]
	if !ok {
		p = &pool{key: key, topic: key.Topic, name: r.namer(key)}
		r.pools[key] = p
	}
	existing := p.refCount

	r.conns[id] = &connection{id: id, key: key, callback: cb}
	p.add(id)
	return id, p, existing
}

// release removes a connection. When it was the last one of its pool the pool
// record is deleted and the returned detachment describes the listeners that
// still have to be removed from the broker handle.
func (r *registry) release(id ConnectionID) (detachment, bool, error) {
	c, ok := r.conns[id]
	if !ok {
		return detachment{}, false, &UnknownConnectionError{ID: id}
	}
	p, ok := r.pools[c.key]
	if !ok {
		return detachment{}, false, &UnknownConnectionError{ID: id}
	}

	delete(r.conns, id)
	p.remove(id)
	if p.refCount > 0 {
		return detachment{}, false, nil
	}

	delete(r.pools, p.key)
	d, _ := p.detachment()
	return d, true, nil
}

// dropPool removes a pool and all its connections.
func (r *registry) dropPool(key PoolKey) (detachment, bool) {
	p, ok := r.pools[key]
	if !ok {
		return detachment{}, false
	}
	for _, id := range p.ids {
		delete(r.conns, id)
	}
	delete(r.pools, key)
	d, _ := p.detachment()
	return d, true
}

// current reports whether p is still the registered record for its key and
// has at least one connection.
func (r *registry) current(p *pool) bool {
	registered, ok := r.pools[p.key]
	return ok && registered == p && p.refCount > 0
}

// connections returns p's connections in ID order. Connection records are
// immutable, so the result may be used after the lock is released.
func (r *registry) connections(p *pool) []*connection {
	if !r.current(p) {
		return nil
	}
	out := make([]*connection, 0, len(p.ids))
	for _, id := range p.ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// PoolInfo is a read-only view of a pool.
type PoolInfo struct {
	Key           PoolKey        `json:"key"`
	Topic         string         `json:"topic"`
	Subscription  string         `json:"subscription"`
	ConnectionIDs []ConnectionID `json:"connection_ids"`
	Attached      bool           `json:"attached"`
}

func (p *pool) info() PoolInfo {
	return PoolInfo{
		Key:           p.key,
		Topic:         p.topic,
		Subscription:  p.name,
		ConnectionIDs: slices.Clone(p.ids),
		Attached:      p.attached,
	}
}

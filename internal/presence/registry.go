// Package presence tracks which connections are in which topics, and who is
// typing. All state is in-memory and rebuilt from live connections only;
// nothing here survives a restart.
package presence

import (
	"sort"
	"sync"
)

// Participant is the identity attached to one connection in one topic.
// UserID is empty for anonymous participants.
type Participant struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"user_name"`
}

// Registry maps topics to the connections currently joined to them. A
// reverse index from connection id to topics makes disconnect cleanup
// proportional to the topics that connection joined.
//
// All operations are idempotent, so races between a join and a disconnect
// resolve to a consistent state regardless of arrival order.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]Participant
	conns  map[string]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]map[string]Participant),
		conns:  make(map[string]map[string]struct{}),
	}
}

// Join registers a connection in a topic. Re-joining updates the stored
// identity without duplicating the entry.
func (r *Registry) Join(topic, connID string, p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]Participant)
	}
	r.topics[topic][connID] = p

	if r.conns[connID] == nil {
		r.conns[connID] = make(map[string]struct{})
	}
	r.conns[connID][topic] = struct{}{}
}

// Leave removes a connection from a topic. Returns false if it was not
// present.
func (r *Registry) Leave(topic, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(topic, connID)
}

func (r *Registry) leaveLocked(topic, connID string) bool {
	members, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.topics, topic)
	}

	if topics, ok := r.conns[connID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.conns, connID)
		}
	}
	return true
}

// LeaveAll removes a connection from every topic it joined and returns the
// affected topics. The removal is one atomic unit, so no topic is left
// listing a connection that no longer exists.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.conns[connID]))
	for topic := range r.conns[connID] {
		topics = append(topics, topic)
	}
	for _, topic := range topics {
		r.leaveLocked(topic, connID)
	}
	sort.Strings(topics)
	return topics
}

// Active returns the identities present in a topic, one entry per
// connection, ordered by name then user id so repeated listings are stable.
func (r *Registry) Active(topic string) []Participant {
	r.mu.RLock()
	members := r.topics[topic]
	result := make([]Participant, 0, len(members))
	for _, p := range members {
		result = append(result, p)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].UserID < result[j].UserID
	})
	return result
}

// Connections returns the ids of connections currently in a topic.
func (r *Registry) Connections(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.topics[topic]))
	for id := range r.topics[topic] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connections in a topic.
func (r *Registry) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Counts returns the per-topic connection counts for every non-empty topic.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.topics))
	for topic, members := range r.topics {
		counts[topic] = len(members)
	}
	return counts
}

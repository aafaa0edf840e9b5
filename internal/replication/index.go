package replication

import (
	"sort"

	"entitysync/internal/session"
)

// SubscriptionIndex tracks which connections subscribed to which component
// types. A subscription covers all current and future entities of the type.
// Owned by the writer loop, so it carries no lock.
type SubscriptionIndex struct {
	byType map[string]map[session.ConnID]struct{}
	byConn map[session.ConnID]map[string]struct{}
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		byType: make(map[string]map[session.ConnID]struct{}),
		byConn: make(map[session.ConnID]map[string]struct{}),
	}
}

// Subscribe adds the pair, reporting false if it already existed.
func (i *SubscriptionIndex) Subscribe(conn session.ConnID, typeName string) bool {
	conns, ok := i.byType[typeName]
	if !ok {
		conns = make(map[session.ConnID]struct{})
		i.byType[typeName] = conns
	}
	if _, exists := conns[conn]; exists {
		return false
	}
	conns[conn] = struct{}{}
	types, ok := i.byConn[conn]
	if !ok {
		types = make(map[string]struct{})
		i.byConn[conn] = types
	}
	types[typeName] = struct{}{}
	return true
}

// Unsubscribe removes the pair, reporting false if it was absent.
func (i *SubscriptionIndex) Unsubscribe(conn session.ConnID, typeName string) bool {
	conns, ok := i.byType[typeName]
	if !ok {
		return false
	}
	if _, exists := conns[conn]; !exists {
		return false
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(i.byType, typeName)
	}
	if types, ok := i.byConn[conn]; ok {
		delete(types, typeName)
		if len(types) == 0 {
			delete(i.byConn, conn)
		}
	}
	return true
}

// DropConnection removes every subscription held by the connection in time
// proportional to its subscription count, returning the affected types.
func (i *SubscriptionIndex) DropConnection(conn session.ConnID) []string {
	types, ok := i.byConn[conn]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(types))
	for typeName := range types {
		removed = append(removed, typeName)
		if conns, ok := i.byType[typeName]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(i.byType, typeName)
			}
		}
	}
	delete(i.byConn, conn)
	sort.Strings(removed)
	return removed
}

// IsSubscribed reports whether the pair exists.
func (i *SubscriptionIndex) IsSubscribed(conn session.ConnID, typeName string) bool {
	conns, ok := i.byType[typeName]
	if !ok {
		return false
	}
	_, exists := conns[conn]
	return exists
}

// EachSubscriber invokes fn for every connection subscribed to the type.
func (i *SubscriptionIndex) EachSubscriber(typeName string, fn func(session.ConnID)) {
	for conn := range i.byType[typeName] {
		fn(conn)
	}
}

// SubscriptionCount reports how many subscriptions the connection holds.
func (i *SubscriptionIndex) SubscriptionCount(conn session.ConnID) int {
	return len(i.byConn[conn])
}

// Counts reports the subscriber count per component type.
func (i *SubscriptionIndex) Counts() map[string]int {
	counts := make(map[string]int, len(i.byType))
	for typeName, conns := range i.byType {
		counts[typeName] = len(conns)
	}
	return counts
}

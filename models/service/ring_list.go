package service

import (
	"sync"
)

// RingList is a fixed-capacity list of recently seen order line ids.
// When the list is full, adding an item evicts the oldest one. NSQ does
// not dedupe messages, so the fulfillment worker uses this to notice a
// message for an order line it is already working on. Safe for
// concurrent use.
type RingList struct {
	capacity int
	next     int
	items    []string
	mutex    sync.RWMutex
}

// NewRingList creates a new RingList with the specified capacity.
func NewRingList(capacity int) *RingList {
	if capacity < 1 {
		capacity = 1
	}
	return &RingList{
		capacity: capacity,
		items:    make([]string, capacity),
	}
}

// Add appends item, overwriting the oldest entry once the list is full.
func (list *RingList) Add(item string) {
	list.mutex.Lock()
	defer list.mutex.Unlock()
	list.items[list.next] = item
	list.next = (list.next + 1) % list.capacity
}

// Contains returns true if item is in the list.
func (list *RingList) Contains(item string) bool {
	if item == "" {
		return false
	}
	list.mutex.RLock()
	defer list.mutex.RUnlock()
	for _, value := range list.items {
		if value == item {
			return true
		}
	}
	return false
}

// Del blanks out every occurrence of item.
func (list *RingList) Del(item string) {
	if item == "" {
		return
	}
	list.mutex.Lock()
	defer list.mutex.Unlock()
	for i, value := range list.items {
		if value == item {
			list.items[i] = ""
		}
	}
}

// Items returns the non-empty entries, oldest first.
func (list *RingList) Items() []string {
	list.mutex.RLock()
	defer list.mutex.RUnlock()
	items := make([]string, 0, list.capacity)
	for i := 0; i < list.capacity; i++ {
		value := list.items[(list.next+i)%list.capacity]
		if value != "" {
			items = append(items, value)
		}
	}
	return items
}

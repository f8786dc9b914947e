// Package util
//
// This file provides a min-heap that is also indexed by key. The keyspace uses
// it to track expiry deadlines: the earliest deadline is available in O(1),
// deadlines can be moved or cancelled by key in O(log n).
//
// The heap is not thread-safe, callers synchronize access.
//
// Example usage:
//
//	h := NewMapHeap[string]()
//	h.AddItem("user:1", 1700000000000)
//	h.AddItem("user:2", 1700000000500)
//
//	for _, key := range h.PopUntil(now) {
//	    // key expired
//	}
package util

import (
	"container/heap"
	"fmt"
)

// Item is an element of the MapHeap
type Item[K comparable] struct {
	Key      K
	Priority uint64
	index    int
}

func (i *Item[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a priority queue ordered by ascending priority with key-based access
type MapHeap[K comparable] struct {
	items    heapItems[K]
	itemsMap map[K]*Item[K]
}

// heapItems implements heap.Interface; kept separate so the exported MapHeap API stays small
type heapItems[K comparable] []*Item[K]

func (h heapItems[K]) Len() int           { return len(h) }
func (h heapItems[K]) Less(i, j int) bool { return h[i].Priority < h[j].Priority }
func (h heapItems[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapItems[K]) Push(x any) {
	it := x.(*Item[K])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *heapItems[K]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// NewMapHeap creates an empty heap
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		itemsMap: make(map[K]*Item[K]),
	}
}

// Len returns the number of items in the heap
func (m *MapHeap[K]) Len() int { return len(m.items) }

// AddItem inserts the key or moves it to the new priority
func (m *MapHeap[K]) AddItem(key K, priority uint64) {
	if it, ok := m.itemsMap[key]; ok {
		it.Priority = priority
		heap.Fix(&m.items, it.index)
		return
	}

	it := &Item[K]{Key: key, Priority: priority}
	heap.Push(&m.items, it)
	m.itemsMap[key] = it
}

// RemoveByKey removes the key and returns its priority
func (m *MapHeap[K]) RemoveByKey(key K) (uint64, bool) {
	it, ok := m.itemsMap[key]
	if !ok {
		return 0, false
	}
	heap.Remove(&m.items, it.index)
	delete(m.itemsMap, key)
	return it.Priority, true
}

// Peek returns the item with the lowest priority without removing it
func (m *MapHeap[K]) Peek() (*Item[K], bool) {
	if len(m.items) == 0 {
		return nil, false
	}
	return m.items[0], true
}

// PopUntil removes and returns all keys whose priority is <= limit, lowest first
func (m *MapHeap[K]) PopUntil(limit uint64) []K {
	var keys []K
	for len(m.items) > 0 && m.items[0].Priority <= limit {
		it := heap.Pop(&m.items).(*Item[K])
		delete(m.itemsMap, it.Key)
		keys = append(keys, it.Key)
	}
	return keys
}

// Contains checks if a key is in the heap
func (m *MapHeap[K]) Contains(key K) bool {
	_, ok := m.itemsMap[key]
	return ok
}

// GetByKey returns the item for a key without removing it
func (m *MapHeap[K]) GetByKey(key K) (*Item[K], bool) {
	it, ok := m.itemsMap[key]
	return it, ok
}

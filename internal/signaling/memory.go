package signaling

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryChannel is an in-process Channel with the same delivery semantics as
// the hosted store: per-document write-ordered delivery, added-only
// subcollection events, asynchronous callbacks. It backs tests and local
// development.
type MemoryChannel struct {
	mu      sync.Mutex
	docs    map[string]map[string]Document      // collection -> id -> fields
	created map[string]map[string]time.Time     // collection -> id -> creation time
	subcols map[string][]Document               // collection/id/sub -> items
	docSubs map[string]map[*subscriber]struct{} // collection/id -> subscribers
	colSubs map[string]map[*subscriber]struct{} // collection/id/sub -> subscribers
}

// NewMemoryChannel creates an empty in-memory channel
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		docs:    make(map[string]map[string]Document),
		created: make(map[string]map[string]time.Time),
		subcols: make(map[string][]Document),
		docSubs: make(map[string]map[*subscriber]struct{}),
		colSubs: make(map[string]map[*subscriber]struct{}),
	}
}

// subscriber delivers queued events to a callback from a single goroutine,
// preserving enqueue order. Enqueue never blocks the writer.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []any
	closed bool

	onDoc  func(DocEvent)
	onItem func(Document)
}

func newSubscriber(onDoc func(DocEvent), onItem func(Document)) *subscriber {
	s := &subscriber{onDoc: onDoc, onItem: onItem}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) enqueue(ev any) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		switch e := ev.(type) {
		case DocEvent:
			s.onDoc(e)
		case Document:
			s.onItem(e)
		}
	}
}

func docKey(collection, id string) string {
	return collection + "/" + id
}

func subKey(collection, id, sub string) string {
	return collection + "/" + id + "/" + sub
}

func copyDoc(d Document) Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// CreateDocument implements Channel
func (m *MemoryChannel) CreateDocument(_ context.Context, collection string, fields Document) (string, error) {
	id := uuid.New().String()

	m.mu.Lock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]Document)
		m.created[collection] = make(map[string]time.Time)
	}
	m.docs[collection][id] = copyDoc(fields)
	m.created[collection][id] = time.Now()
	m.notifyDocLocked(collection, id)
	m.mu.Unlock()

	return id, nil
}

// UpdateDocument implements Channel
func (m *MemoryChannel) UpdateDocument(_ context.Context, collection, id string, fields Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return fmt.Errorf("document %s/%s not found", collection, id)
	}
	for k, v := range fields {
		doc[k] = v
	}
	m.notifyDocLocked(collection, id)
	return nil
}

// GetDocument implements Channel
func (m *MemoryChannel) GetDocument(_ context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, nil
	}
	return copyDoc(doc), nil
}

// SubscribeDocument implements Channel
func (m *MemoryChannel) SubscribeDocument(_ context.Context, collection, id string, fn func(DocEvent)) (Unsubscribe, error) {
	s := newSubscriber(fn, nil)
	key := docKey(collection, id)

	m.mu.Lock()
	if m.docSubs[key] == nil {
		m.docSubs[key] = make(map[*subscriber]struct{})
	}
	m.docSubs[key][s] = struct{}{}
	// Initial snapshot
	if doc, ok := m.docs[collection][id]; ok {
		s.enqueue(DocEvent{Data: copyDoc(doc), Exists: true})
	} else {
		s.enqueue(DocEvent{Exists: false})
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.docSubs[key], s)
			m.mu.Unlock()
			s.close()
		})
	}, nil
}

// AddToSubcollection implements Channel
func (m *MemoryChannel) AddToSubcollection(_ context.Context, collection, id, sub string, item Document) (string, error) {
	itemID := uuid.New().String()
	stored := copyDoc(item)
	stored["id"] = itemID

	key := subKey(collection, id, sub)

	m.mu.Lock()
	m.subcols[key] = append(m.subcols[key], stored)
	for s := range m.colSubs[key] {
		s.enqueue(copyDoc(stored))
	}
	m.mu.Unlock()

	return itemID, nil
}

// SubscribeSubcollection implements Channel
func (m *MemoryChannel) SubscribeSubcollection(_ context.Context, collection, id, sub string, fn func(Document)) (Unsubscribe, error) {
	s := newSubscriber(nil, fn)
	key := subKey(collection, id, sub)

	m.mu.Lock()
	if m.colSubs[key] == nil {
		m.colSubs[key] = make(map[*subscriber]struct{})
	}
	m.colSubs[key][s] = struct{}{}
	// Replay existing items so late subscribers see every candidate
	for _, item := range m.subcols[key] {
		s.enqueue(copyDoc(item))
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.colSubs[key], s)
			m.mu.Unlock()
			s.close()
		})
	}, nil
}

// DeleteDocument implements Channel
func (m *MemoryChannel) DeleteDocument(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[collection][id]; !ok {
		return nil
	}
	delete(m.docs[collection], id)
	delete(m.created[collection], id)
	for s := range m.docSubs[docKey(collection, id)] {
		s.enqueue(DocEvent{Exists: false})
	}
	return nil
}

// DeleteSubcollection implements Channel
func (m *MemoryChannel) DeleteSubcollection(_ context.Context, collection, id, sub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subcols, subKey(collection, id, sub))
	return nil
}

// CountRecent implements Channel
func (m *MemoryChannel) CountRecent(_ context.Context, collection, field string, value any, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, doc := range m.docs[collection] {
		if !reflect.DeepEqual(doc[field], value) {
			continue
		}
		if m.created[collection][id].Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

// SubcollectionItems returns a copy of a subcollection's items. Test helper.
func (m *MemoryChannel) SubcollectionItems(collection, id, sub string) []Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.subcols[subKey(collection, id, sub)]
	out := make([]Document, 0, len(items))
	for _, item := range items {
		out = append(out, copyDoc(item))
	}
	return out
}

func (m *MemoryChannel) notifyDocLocked(collection, id string) {
	doc := m.docs[collection][id]
	for s := range m.docSubs[docKey(collection, id)] {
		s.enqueue(DocEvent{Data: copyDoc(doc), Exists: true})
	}
}

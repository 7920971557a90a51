// Package signaling abstracts the document store both peers use as their
// signaling relay: call records, candidate subcollections, and live
// subscriptions over them.
package signaling

import (
	"context"
	"time"
)

// Document is one signaling document's fields
type Document map[string]any

// Unsubscribe releases a live subscription. Safe to call more than once.
type Unsubscribe func()

// DocEvent is one delivery on a document subscription. Exists is false when
// the document has been deleted. Err is terminal: the subscription is dead
// and no further events will arrive.
type DocEvent struct {
	Data   Document
	Exists bool
	Err    error
}

// Channel is the pub/sub document abstraction the call core runs on.
//
// Delivery guarantees are deliberately weak, matching what a hosted document
// store provides: each individual document's update stream reaches a given
// subscriber in write order, but there is no cross-document ordering and no
// bound on delivery latency. Consumers compensate with idempotent
// application, never with ordering assumptions.
type Channel interface {
	// CreateDocument creates a document with store-assigned ID and returns the ID
	CreateDocument(ctx context.Context, collection string, fields Document) (string, error)

	// UpdateDocument merges fields into an existing document
	UpdateDocument(ctx context.Context, collection, id string, fields Document) error

	// GetDocument returns the document's fields, or nil if it does not exist
	GetDocument(ctx context.Context, collection, id string) (Document, error)

	// SubscribeDocument streams document changes to fn, starting with the
	// current state. fn is never invoked concurrently with itself.
	SubscribeDocument(ctx context.Context, collection, id string, fn func(DocEvent)) (Unsubscribe, error)

	// AddToSubcollection appends an item to a document's subcollection and
	// returns the item's ID
	AddToSubcollection(ctx context.Context, collection, id, sub string, item Document) (string, error)

	// SubscribeSubcollection streams each added item to fn, including items
	// that existed before the subscription was opened
	SubscribeSubcollection(ctx context.Context, collection, id, sub string, fn func(Document)) (Unsubscribe, error)

	// DeleteDocument removes a document; deleting a missing document is not an error
	DeleteDocument(ctx context.Context, collection, id string) error

	// DeleteSubcollection removes every item in a document's subcollection
	DeleteSubcollection(ctx context.Context, collection, id, sub string) error

	// CountRecent counts documents in collection whose field equals value and
	// whose createdAt is at or after since. Used by the rate limiter.
	CountRecent(ctx context.Context, collection, field string, value any, since time.Time) (int64, error)
}

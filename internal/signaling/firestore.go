package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"flashchat-backend/pkg/logger"
)

// FirestoreChannel implements Channel on Cloud Firestore. Document
// subscriptions map to snapshot listeners; subcollection subscriptions map
// to query listeners filtered to added documents.
type FirestoreChannel struct {
	client *firestore.Client
}

// NewFirestoreChannel creates a Channel backed by the given Firestore client
func NewFirestoreChannel(client *firestore.Client) *FirestoreChannel {
	return &FirestoreChannel{client: client}
}

// CreateDocument implements Channel
func (f *FirestoreChannel) CreateDocument(ctx context.Context, collection string, fields Document) (string, error) {
	ref := f.client.Collection(collection).NewDoc()
	if _, err := ref.Set(ctx, map[string]any(fields)); err != nil {
		return "", fmt.Errorf("failed to create document in %s: %w", collection, err)
	}
	return ref.ID, nil
}

// UpdateDocument implements Channel
func (f *FirestoreChannel) UpdateDocument(ctx context.Context, collection, id string, fields Document) error {
	ref := f.client.Collection(collection).Doc(id)
	if _, err := ref.Set(ctx, map[string]any(fields), firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to update document %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetDocument implements Channel
func (f *FirestoreChannel) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if snap != nil && !snap.Exists() {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	return Document(snap.Data()), nil
}

// SubscribeDocument implements Channel
func (f *FirestoreChannel) SubscribeDocument(ctx context.Context, collection, id string, fn func(DocEvent)) (Unsubscribe, error) {
	listenCtx, cancel := context.WithCancel(ctx)
	iter := f.client.Collection(collection).Doc(id).Snapshots(listenCtx)

	go func() {
		for {
			snap, err := iter.Next()
			if err != nil {
				if listenCtx.Err() != nil {
					return
				}
				logger.Warn("Document snapshot listener failed",
					zap.String("collection", collection),
					zap.String("doc_id", id),
					zap.Error(err))
				fn(DocEvent{Err: err})
				return
			}
			if !snap.Exists() {
				fn(DocEvent{Exists: false})
				continue
			}
			fn(DocEvent{Data: Document(snap.Data()), Exists: true})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			iter.Stop()
		})
	}, nil
}

// AddToSubcollection implements Channel
func (f *FirestoreChannel) AddToSubcollection(ctx context.Context, collection, id, sub string, item Document) (string, error) {
	ref, _, err := f.client.Collection(collection).Doc(id).Collection(sub).Add(ctx, map[string]any(item))
	if err != nil {
		return "", fmt.Errorf("failed to add to %s/%s/%s: %w", collection, id, sub, err)
	}
	return ref.ID, nil
}

// SubscribeSubcollection implements Channel
func (f *FirestoreChannel) SubscribeSubcollection(ctx context.Context, collection, id, sub string, fn func(Document)) (Unsubscribe, error) {
	listenCtx, cancel := context.WithCancel(ctx)
	iter := f.client.Collection(collection).Doc(id).Collection(sub).Snapshots(listenCtx)

	go func() {
		for {
			snap, err := iter.Next()
			if err != nil {
				if listenCtx.Err() == nil {
					logger.Warn("Subcollection listener failed",
						zap.String("collection", collection),
						zap.String("doc_id", id),
						zap.String("sub", sub),
						zap.Error(err))
				}
				return
			}
			for _, change := range snap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				item := Document(change.Doc.Data())
				item["id"] = change.Doc.Ref.ID
				fn(item)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			iter.Stop()
		})
	}, nil
}

// DeleteDocument implements Channel
func (f *FirestoreChannel) DeleteDocument(ctx context.Context, collection, id string) error {
	if _, err := f.client.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// DeleteSubcollection implements Channel
func (f *FirestoreChannel) DeleteSubcollection(ctx context.Context, collection, id, sub string) error {
	docs := f.client.Collection(collection).Doc(id).Collection(sub).DocumentRefs(ctx)
	for {
		ref, err := docs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list %s/%s/%s: %w", collection, id, sub, err)
		}
		if _, err := ref.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete %s/%s/%s/%s: %w", collection, id, sub, ref.ID, err)
		}
	}
	return nil
}

// CountRecent implements Channel using a server-side count aggregation
func (f *FirestoreChannel) CountRecent(ctx context.Context, collection, field string, value any, since time.Time) (int64, error) {
	query := f.client.Collection(collection).
		Where(field, "==", value).
		Where("createdAt", ">=", since)

	result, err := query.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents in %s: %w", collection, err)
	}

	raw, ok := result["count"]
	if !ok {
		return 0, fmt.Errorf("count aggregation returned no result")
	}
	countValue, ok := raw.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count aggregation type %T", raw)
	}
	return countValue.GetIntegerValue(), nil
}

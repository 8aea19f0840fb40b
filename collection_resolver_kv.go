package gocbcorex

import "context"

// kvCollectionResolver adapts a KvClientManager into an
// innerCollectionResolver: GET-COLLECTION-ID is served by any connected KV
// node, not just the one owning a particular vbucket, so this issues the
// lookup against whichever endpoint the manager currently knows and fails
// over to the next if dispatch to the first fails (spec.md §4.8).
type kvCollectionResolver struct {
	manager *KvClientManager
}

// newKvCollectionResolver wraps manager as the Collection Resolver's inner
// resolver.
func newKvCollectionResolver(manager *KvClientManager) *kvCollectionResolver {
	return &kvCollectionResolver{manager: manager}
}

func (r *kvCollectionResolver) ResolveCollectionID(ctx context.Context, scope, collection string) (uint32, uint64, error) {
	endpoints := r.manager.Endpoints()
	if len(endpoints) == 0 {
		return 0, 0, &RoutingError{Kind: RoutingErrorNoEndpointsAvailable}
	}

	var lastErr error
	for _, nodeID := range endpoints {
		var id uint32
		var rev uint64
		err := r.manager.OrchestrateMemdClient(ctx, nodeID, func(client *KvClient) error {
			var opErr error
			id, rev, opErr = client.ResolveCollectionID(ctx, scope, collection)
			return opErr
		})
		if err == nil {
			return id, rev, nil
		}

		var unknownErr *UnknownCollectionError
		if isUnknownCollectionError(err, &unknownErr) {
			return 0, 0, err
		}
		lastErr = err
	}

	return 0, 0, lastErr
}

func isUnknownCollectionError(err error, target **UnknownCollectionError) bool {
	uce, ok := err.(*UnknownCollectionError)
	if ok {
		*target = uce
	}
	return ok
}

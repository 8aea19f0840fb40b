package gocbcorex

import "hash/crc32"

// VbucketRouter maps a document key to the endpoint currently responsible
// for it (spec.md §4.7). It reads its vbucket map from an atomically
// swapped ConfigManager snapshot, never blocking a concurrent config update.
type VbucketRouter struct {
	cm *ConfigManager
}

// NewVbucketRouter constructs a router reading from cm.
func NewVbucketRouter(cm *ConfigManager) *VbucketRouter {
	return &VbucketRouter{cm: cm}
}

// VbucketID returns the vbucket a key hashes to, per invariant 1: `vbid =
// crc32_ieee(key) mod num_vbuckets`.
func VbucketID(key []byte, numVbuckets int) uint32 {
	if numVbuckets <= 0 {
		return 0
	}
	return crc32.ChecksumIEEE(key) % uint32(numVbuckets)
}

// RouteResult is the outcome of routing a key to a vbucket and endpoint.
type RouteResult struct {
	EndpointID string
	VbucketID  uint32
}

// DispatchByKey computes the vbucket for key and resolves it to an endpoint
// id at replicaIdx (spec.md §4.7 dispatch_by_key; replicaIdx 0 is the
// active).
func (r *VbucketRouter) DispatchByKey(key []byte, replicaIdx int) (RouteResult, error) {
	cfg := r.cm.LatestConfig()
	if cfg == nil || cfg.Bucket == nil || cfg.Bucket.VbucketMap.NumVbuckets() == 0 {
		return RouteResult{}, &RoutingError{Kind: RoutingErrorNoVbucketMap}
	}

	vbMap := cfg.Bucket.VbucketMap
	vbid := VbucketID(key, vbMap.NumVbuckets())

	serverIdx, ok := vbMap.ServerIndex(vbid, replicaIdx)
	if !ok {
		return RouteResult{}, &RoutingError{Kind: RoutingErrorNoVbucketMap}
	}

	return RouteResult{EndpointID: vbMap.ServerList[serverIdx], VbucketID: vbid}, nil
}

// NMVHandler reacts to NotMyVbucket responses by feeding the server's
// returned config blob back into the Config Manager (spec.md §4.7).
type NMVHandler struct {
	cm *ConfigManager
}

// NewNMVHandler constructs a handler that updates cm.
func NewNMVHandler(cm *ConfigManager) *NMVHandler {
	return &NMVHandler{cm: cm}
}

// HandleNotMyVbucket parses configBlob (the JSON value carried in a
// NotMyVbucket response) and offers it to the Config Manager. A parse
// failure is returned to the caller; OrchestrateMemdRouting then returns it
// without re-routing the operation.
func (h *NMVHandler) HandleNotMyVbucket(configBlob []byte, sourceHost string) error {
	if len(configBlob) == 0 {
		return nil
	}
	cfg, err := ParseTerseConfig(configBlob, sourceHost)
	if err != nil {
		return err
	}
	h.cm.OutOfBandConfig(cfg)
	return nil
}

// OrchestrateMemdRouting runs op against the endpoint key currently routes
// to at replicaIdx; on a NotMyVbucket reply it feeds the returned config to
// the NMV handler and retries the routing lookup once (spec.md §4.7). The
// retry orchestrator layered on top is responsible for repeated attempts
// beyond this single re-route.
func (r *VbucketRouter) OrchestrateMemdRouting(
	key []byte,
	replicaIdx int,
	nmv *NMVHandler,
	op func(endpointID string, vbid uint32) (nmvBlob []byte, isNMV bool, err error),
) error {
	route, err := r.DispatchByKey(key, replicaIdx)
	if err != nil {
		return err
	}

	blob, isNMV, err := op(route.EndpointID, route.VbucketID)
	if err != nil {
		return err
	}
	if !isNMV {
		return nil
	}

	if nmvErr := nmv.HandleNotMyVbucket(blob, route.EndpointID); nmvErr != nil {
		return nmvErr
	}

	route, err = r.DispatchByKey(key, replicaIdx)
	if err != nil {
		return err
	}
	_, isNMV, err = op(route.EndpointID, route.VbucketID)
	if err != nil {
		return err
	}
	if isNMV {
		return &RoutingError{Kind: RoutingErrorNoVbucketMap, Detail: "not-my-vbucket persisted after config refresh"}
	}
	return nil
}

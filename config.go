// Package gocbcorex implements the cluster-aware I/O runtime underlying a
// Couchbase client SDK: topology management, vbucket routing, the KV
// connection fabric, collection-id resolution, the HTTP service component,
// and retry orchestration, composed under one Agent.
package gocbcorex

import "crypto/tls"

// ConfigVersion is the (epoch, id) pair used to order cluster configs
// (spec.md §3). The zero value orders before every config with a positive
// epoch or id, so a freshly constructed Config Manager always accepts its
// first config.
type ConfigVersion struct {
	Epoch int64
	ID    int64
}

// Less reports whether v orders strictly before other.
func (v ConfigVersion) Less(other ConfigVersion) bool {
	if v.Epoch != other.Epoch {
		return v.Epoch < other.Epoch
	}
	return v.ID < other.ID
}

// LessOrEqual reports whether v orders before or equal to other.
func (v ConfigVersion) LessOrEqual(other ConfigVersion) bool {
	return v == other || v.Less(other)
}

// NodeInfo describes one cluster node as carried in a ParsedConfig.
type NodeInfo struct {
	NodeID       string
	Hostname     string
	TLSPorts     map[string]uint16
	NonTLSPorts  map[string]uint16
	HasData      bool
}

// BucketInfo describes the bucket a ParsedConfig was fetched against, if any.
type BucketInfo struct {
	Name       string
	UUID       string
	VbucketMap VbucketMap
}

// ParsedConfig is the normalized, in-memory representation of a cluster
// "terse config" (spec.md §3, §6.2).
type ParsedConfig struct {
	Version  ConfigVersion
	Bucket   *BucketInfo
	Nodes    []NodeInfo
	Features map[string]bool
}

// SameBucketIdentity reports whether cfg and other describe the same bucket
// (both nil, or both non-nil with matching name and uuid) — the exception
// to strict version ordering spec.md §3/§4.6 calls "bucket takeover".
func (cfg *ParsedConfig) SameBucketIdentity(other *ParsedConfig) bool {
	if cfg.Bucket == nil || other.Bucket == nil {
		return cfg.Bucket == other.Bucket
	}
	return cfg.Bucket.Name == other.Bucket.Name && cfg.Bucket.UUID == other.Bucket.UUID
}

// SupersededBy reports whether next should replace cfg as the Config
// Manager's latest_config: either a bucket-identity change (takeover,
// unconditional), or a strictly newer version (spec.md invariant: monotonic
// non-decreasing, modulo bucket-identity changes).
func (cfg *ParsedConfig) SupersededBy(next *ParsedConfig) bool {
	if cfg == nil {
		return true
	}
	if !cfg.SameBucketIdentity(next) {
		return true
	}
	return cfg.Version.Less(next.Version)
}

// VbucketMap is the 2-D `[vbucket_id][replica_index] -> server_index`
// partitioning table plus the server list it indexes into (spec.md §3).
// A server_index of -1 means "no owner currently known for this replica".
type VbucketMap struct {
	Entries    [][]int32
	ServerList []string
}

// NumVbuckets returns the number of vbuckets in the map.
func (m VbucketMap) NumVbuckets() int {
	return len(m.Entries)
}

// ServerIndex returns the server index responsible for vbid at replicaIdx,
// or (-1, false) if vbid/replicaIdx is out of range or unowned.
func (m VbucketMap) ServerIndex(vbid uint32, replicaIdx int) (int32, bool) {
	if int(vbid) >= len(m.Entries) {
		return -1, false
	}
	replicas := m.Entries[vbid]
	if replicaIdx < 0 || replicaIdx >= len(replicas) {
		return -1, false
	}
	idx := replicas[replicaIdx]
	if idx < 0 || int(idx) >= len(m.ServerList) {
		return -1, false
	}
	return idx, true
}

// KvTarget identifies one KV endpoint to dial, keyed by a node id stable
// across map revisions (spec.md §3).
type KvTarget struct {
	NodeID    string
	Address   string
	TLSConfig *tls.Config
}

// KvClientConfig configures one bootstrapped KV Client (spec.md §3, §4.3).
type KvClientConfig struct {
	Address   string
	TLSConfig *tls.Config
	// AcceptAllCerts disables server certificate verification. Only honored
	// when TLSConfig is non-nil.
	AcceptAllCerts bool
	ClientName     string
	Authenticator  Authenticator
	// SelectedBucket, if non-empty, is SELECT-BUCKET'd during bootstrap.
	SelectedBucket string

	DisableDefaultFeatures bool
	DisableErrorMap        bool
	DisableBootstrap       bool

	BootstrapTimeoutMillis uint32
}

// Equal reports whether two KvClientConfig values describe the same
// connection, used by the KV Client Pool to decide whether a healthy client
// can be kept across a reconfigure (spec.md §4.4).
func (c KvClientConfig) Equal(other KvClientConfig) bool {
	if c.Address != other.Address ||
		c.AcceptAllCerts != other.AcceptAllCerts ||
		c.ClientName != other.ClientName ||
		c.SelectedBucket != other.SelectedBucket ||
		c.DisableDefaultFeatures != other.DisableDefaultFeatures ||
		c.DisableErrorMap != other.DisableErrorMap ||
		c.DisableBootstrap != other.DisableBootstrap {
		return false
	}
	return (c.TLSConfig == nil) == (other.TLSConfig == nil)
}

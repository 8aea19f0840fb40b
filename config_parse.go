package gocbcorex

import (
	"encoding/json"
	"fmt"
	"strings"
)

// terseConfig mirrors the JSON shape described in spec.md §6.2. Field names
// follow the wire format exactly; Go-side names are normalized in
// ParsedConfig.
type terseConfig struct {
	Rev      int64 `json:"rev"`
	RevEpoch int64 `json:"revEpoch"`

	NodesExt []terseNodeExt `json:"nodesExt"`

	Name    string `json:"name"`
	UUID    string `json:"uuid"`

	VBucketServerMap *terseVbucketServerMap `json:"vBucketServerMap"`

	BucketCapabilities  []string                `json:"bucketCapabilities"`
	ClusterCapabilities map[string][]string `json:"clusterCapabilities"`
}

type terseNodeExt struct {
	Hostname           string                            `json:"hostname"`
	Services           terseNodeServices                 `json:"services"`
	ThisNode           bool                              `json:"thisNode"`
	NodeUUID           string                            `json:"nodeUUID"`
	AlternateAddresses map[string]terseAlternateAddress `json:"alternateAddresses"`
}

// terseAlternateAddress is one entry of nodesExt[].alternateAddresses
// (spec.md §6.2); the "external" key is the one address selection cares
// about. Ports use the same "<svc>"/"<svc>SSL" naming as terseNodeServices,
// just as a flat map rather than a fixed struct.
type terseAlternateAddress struct {
	Hostname string            `json:"hostname"`
	Ports    map[string]uint16 `json:"ports"`
}

type terseNodeServices struct {
	KV      uint16 `json:"kv"`
	KvSSL   uint16 `json:"kvSSL"`
	Mgmt    uint16 `json:"mgmt"`
	MgmtSSL uint16 `json:"mgmtSSL"`
	N1QL    uint16 `json:"n1ql"`
	N1QLSSL uint16 `json:"n1qlSSL"`
	FTS     uint16 `json:"fts"`
	FTSSSL  uint16 `json:"ftsSSL"`
}

type terseVbucketServerMap struct {
	NumReplicas int        `json:"numReplicas"`
	VBucketMap  [][]int32  `json:"vBucketMap"`
	ServerList  []string   `json:"serverList"`
}

// ParseTerseConfig decodes a cluster "terse config" JSON blob (spec.md
// §6.2) into a ParsedConfig, applying the "auto" network-type hint with
// sourceHost as the seed address: a node's external address is used iff
// sourceHost matches that node's external hostname, default otherwise. This
// is the common case for both bootstrap (sourceHost is the seed address
// dialed) and reconfigure (sourceHost is the endpoint the config was
// fetched from). Callers needing an explicit hint should use
// ParseTerseConfigWithHint.
func ParseTerseConfig(blob []byte, sourceHost string) (*ParsedConfig, error) {
	return ParseTerseConfigWithHint(blob, sourceHost, NetworkTypeAuto)
}

// ParseTerseConfigWithHint is ParseTerseConfig with an explicit network-type
// hint (spec.md §6.2) instead of the "auto" default.
func ParseTerseConfigWithHint(blob []byte, seedAddress string, hint NetworkType) (*ParsedConfig, error) {
	var raw terseConfig
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("gocbcorex: failed to parse cluster config: %w", err)
	}

	cfg := &ParsedConfig{
		Version:  ConfigVersion{Epoch: raw.RevEpoch, ID: raw.Rev},
		Features: make(map[string]bool),
	}

	for _, cap := range raw.BucketCapabilities {
		cfg.Features[cap] = true
	}
	if searchCaps, ok := raw.ClusterCapabilities["search"]; ok {
		for _, cap := range searchCaps {
			if cap == "vectorSearch" {
				cfg.Features["vector-search-enabled"] = true
			}
		}
	}

	nodes := make([]NodeInfo, 0, len(raw.NodesExt))
	for i, n := range raw.NodesExt {
		defaultAddrs := NodeAddressSet{
			Hostname:    n.Hostname,
			NonTLSPorts: make(map[string]uint16),
			TLSPorts:    make(map[string]uint16),
		}
		if n.Services.KV != 0 {
			defaultAddrs.NonTLSPorts["kv"] = n.Services.KV
		}
		if n.Services.KvSSL != 0 {
			defaultAddrs.TLSPorts["kv"] = n.Services.KvSSL
		}
		if n.Services.Mgmt != 0 {
			defaultAddrs.NonTLSPorts["mgmt"] = n.Services.Mgmt
		}
		if n.Services.MgmtSSL != 0 {
			defaultAddrs.TLSPorts["mgmt"] = n.Services.MgmtSSL
		}
		if n.Services.N1QL != 0 {
			defaultAddrs.NonTLSPorts["n1ql"] = n.Services.N1QL
		}
		if n.Services.N1QLSSL != 0 {
			defaultAddrs.TLSPorts["n1ql"] = n.Services.N1QLSSL
		}
		if n.Services.FTS != 0 {
			defaultAddrs.NonTLSPorts["fts"] = n.Services.FTS
		}
		if n.Services.FTSSSL != 0 {
			defaultAddrs.TLSPorts["fts"] = n.Services.FTSSSL
		}

		externalAddrs := NodeAddressSet{NonTLSPorts: map[string]uint16{}, TLSPorts: map[string]uint16{}}
		if alt, ok := n.AlternateAddresses["external"]; ok {
			externalAddrs.Hostname = alt.Hostname
			for svc, port := range alt.Ports {
				if strings.HasSuffix(svc, "SSL") {
					externalAddrs.TLSPorts[strings.TrimSuffix(svc, "SSL")] = port
				} else {
					externalAddrs.NonTLSPorts[svc] = port
				}
			}
		}

		selected := SelectHostname(defaultAddrs, externalAddrs, hint, seedAddress)

		hostname := selected.Hostname
		if hostname == "" {
			hostname = seedAddress
		}
		nodeID := n.NodeUUID
		if nodeID == "" {
			nodeID = fmt.Sprintf("%s:%d", hostname, i)
		}

		nodes = append(nodes, NodeInfo{
			NodeID:      nodeID,
			Hostname:    hostname,
			HasData:     n.Services.KV != 0 || n.Services.KvSSL != 0,
			NonTLSPorts: selected.NonTLSPorts,
			TLSPorts:    selected.TLSPorts,
		})
	}
	cfg.Nodes = nodes

	if raw.VBucketServerMap != nil {
		cfg.Bucket = &BucketInfo{
			Name: raw.Name,
			UUID: raw.UUID,
			VbucketMap: VbucketMap{
				Entries:    raw.VBucketServerMap.VBucketMap,
				ServerList: raw.VBucketServerMap.ServerList,
			},
		}
	}

	return cfg, nil
}

// NetworkType is the caller-supplied hint for choosing between "default" and
// "external" node addresses (spec.md §6.2).
type NetworkType string

const (
	NetworkTypeAuto     NetworkType = "auto"
	NetworkTypeDefault  NetworkType = "default"
	NetworkTypeExternal NetworkType = "external"
)

// NodeAddressSet is one node's addressing under a single network (either
// "default" or "external"), normalized to the same hostname/port-map shape
// so SelectHostname can treat both uniformly.
type NodeAddressSet struct {
	Hostname    string
	NonTLSPorts map[string]uint16
	TLSPorts    map[string]uint16
}

// SelectHostname applies the network-type hint to choose between a node's
// default and external addressing (spec.md §6.2): "default"/"external"
// select that set outright (falling back to default if external is absent);
// "auto" selects external iff seedAddress matches the node's external
// hostname, default otherwise.
func SelectHostname(def, ext NodeAddressSet, hint NetworkType, seedAddress string) NodeAddressSet {
	switch hint {
	case NetworkTypeExternal:
		if ext.Hostname != "" {
			return ext
		}
	case NetworkTypeAuto:
		if ext.Hostname != "" && ext.Hostname == seedAddress {
			return ext
		}
	}
	return def
}

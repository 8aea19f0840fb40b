package gocbcorex

import "fmt"

// servicePortKey maps an HTTPServiceType to its NodeInfo port-map key (mgmt,
// n1ql, fts, cbas). ParseTerseConfig files a service's TLS port ("<svc>SSL"
// on the wire) under the same base key in NodeInfo.TLSPorts, so the key does
// not depend on tlsEnabled.
func servicePortKey(svc HTTPServiceType, tlsEnabled bool) string {
	var base string
	switch svc {
	case HTTPServiceQuery:
		base = "n1ql"
	case HTTPServiceSearch:
		base = "fts"
	case HTTPServiceAnalytics:
		base = "cbas"
	case HTTPServiceMgmt:
		base = "mgmt"
	default:
		base = string(svc)
	}
	return base
}

// BuildServiceEndpoints derives the endpoint_id -> base URL map an
// HTTPServiceComponent needs from a parsed config's node list, for one
// service and TLS mode (spec.md §4.11, §6.2 nodesExt).
func BuildServiceEndpoints(nodes []NodeInfo, svc HTTPServiceType, tlsEnabled bool) map[string]string {
	key := servicePortKey(svc, tlsEnabled)
	scheme := "http"
	ports := func(n NodeInfo) map[string]uint16 { return n.NonTLSPorts }
	if tlsEnabled {
		scheme = "https"
		ports = func(n NodeInfo) map[string]uint16 { return n.TLSPorts }
	}

	endpoints := make(map[string]string)
	for _, n := range nodes {
		portMap := ports(n)
		port, ok := portMap[key]
		if !ok || port == 0 {
			continue
		}
		endpoints[n.NodeID] = fmt.Sprintf("%s://%s:%d", scheme, n.Hostname, port)
	}
	return endpoints
}

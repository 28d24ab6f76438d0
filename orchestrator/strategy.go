package orchestrator

import (
	"github.com/go-mysql-org/go-mysql-failover/endpoint"
)

// A strategy infers the primary of target from the body of one API
// endpoint. Inference functions are pure; fetching is done by the client.
type strategy struct {
	endpoint string
	infer    func(target endpoint.NodeRef, body []byte) (endpoint.NodeRef, bool)
}

// primaryStrategies are tried in order until one gives a definite answer.
var primaryStrategies = []strategy{
	{endpoint: "master", infer: inferFromMaster},
	{endpoint: "instance", infer: inferFromInstance},
	{endpoint: "topology", infer: inferFromTopology},
}

// inferFromMaster accepts the master document if it names a host and port.
func inferFromMaster(_ endpoint.NodeRef, body []byte) (endpoint.NodeRef, bool) {
	d, err := decodeDocument(body)
	if err != nil {
		return endpoint.NodeRef{}, false
	}
	node, ok := parseInstance(d)
	if !ok {
		return endpoint.NodeRef{}, false
	}
	return node.Ref, true
}

// inferFromInstance reads the replication source of target. No source means
// target is itself the primary.
func inferFromInstance(target endpoint.NodeRef, body []byte) (endpoint.NodeRef, bool) {
	d, err := decodeDocument(body)
	if err != nil {
		return endpoint.NodeRef{}, false
	}
	node, ok := parseInstance(d)
	if !ok {
		return endpoint.NodeRef{}, false
	}
	if node.Upstream != nil {
		return *node.Upstream, true
	}
	if !node.Writable {
		// a read-only node without a source is detached, not a primary
		return endpoint.NodeRef{}, false
	}
	if node.Ref.IsZero() {
		return target, true
	}
	return node.Ref, true
}

// inferFromTopology picks the writable node without a source. If that is
// not unique it falls back to the first writable node in response order.
func inferFromTopology(_ endpoint.NodeRef, body []byte) (endpoint.NodeRef, bool) {
	snap, err := parseTopology(body)
	if err != nil {
		return endpoint.NodeRef{}, false
	}
	return primaryFromSnapshot(snap)
}

func primaryFromSnapshot(snap *TopologySnapshot) (endpoint.NodeRef, bool) {
	var roots []endpoint.NodeRef
	for _, n := range snap.Nodes {
		if n.Writable && n.Upstream == nil {
			roots = append(roots, n.Ref)
		}
	}
	if len(roots) == 1 {
		return roots[0], true
	}

	w := snap.Writable()
	if len(w) == 0 {
		return endpoint.NodeRef{}, false
	}
	return w[0], true
}

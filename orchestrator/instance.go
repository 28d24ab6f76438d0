package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
)

// TopologyNode is one instance as reported by the orchestration service.
type TopologyNode struct {
	Ref      endpoint.NodeRef
	Writable bool
	// Upstream is the replication source, nil for a primary.
	Upstream *endpoint.NodeRef
}

// TopologySnapshot is a point-in-time view of the cluster. It is rebuilt on
// every call, never patched.
type TopologySnapshot struct {
	Nodes []TopologyNode
	Raw   json.RawMessage
}

// Writable returns the nodes that accept writes, in response order.
func (s *TopologySnapshot) Writable() []endpoint.NodeRef {
	var refs []endpoint.NodeRef
	for _, n := range s.Nodes {
		if n.Writable {
			refs = append(refs, n.Ref)
		}
	}
	return refs
}

// Refs returns every node of the snapshot.
func (s *TopologySnapshot) Refs() []endpoint.NodeRef {
	refs := make([]endpoint.NodeRef, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		refs = append(refs, n.Ref)
	}
	return refs
}

type document map[string]interface{}

// lookup returns the first present key, matching names case-insensitively.
func (d document) lookup(names ...string) (interface{}, bool) {
	for _, name := range names {
		if v, ok := d[name]; ok && v != nil {
			return v, true
		}
	}
	for _, name := range names {
		for k, v := range d {
			if v != nil && strings.EqualFold(k, name) {
				return v, true
			}
		}
	}
	return nil, false
}

func asPort(v interface{}) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		p, _ := strconv.Atoi(x)
		return p
	default:
		return 0
	}
}

func asBool(v interface{}) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// parseKey reads an instance key, written either as an object with
// host/port fields or as a "host:port" string.
func parseKey(v interface{}) (endpoint.NodeRef, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return endpoint.NodeRef{}, false
		}
		ref, err := endpoint.ParseNodeRef(x)
		return ref, err == nil
	case map[string]interface{}:
		d := document(x)
		h, _ := d.lookup("Hostname", "host", "hostname")
		host, _ := h.(string)
		p, _ := d.lookup("Port", "port")
		port := asPort(p)
		if host == "" || port <= 0 {
			return endpoint.NodeRef{}, false
		}
		return endpoint.NodeRef{Name: host, Host: host, Port: port}, true
	default:
		return endpoint.NodeRef{}, false
	}
}

// parseInstance decodes one instance document. Known shapes:
//
//	{"Key":{"Hostname":..,"Port":..},"MasterKey":{..},"ReadOnly":false}
//	{"host":..,"port":..,"source":"host:port","read_only":false}
//	{"hostname":..,"port":..,"upstream":{..},"is_writable":true}
func parseInstance(d document) (TopologyNode, bool) {
	var node TopologyNode

	if k, ok := d.lookup("Key", "InstanceKey", "key"); ok {
		ref, ok := parseKey(k)
		if !ok {
			return node, false
		}
		node.Ref = ref
	} else {
		ref, ok := parseKey(map[string]interface{}(d))
		if !ok {
			return node, false
		}
		node.Ref = ref
	}

	if u, ok := d.lookup("MasterKey", "SourceKey", "replication_source", "source", "upstream", "master"); ok {
		if ref, ok := parseKey(u); ok {
			node.Upstream = &ref
		}
	}

	if w, ok := d.lookup("is_writable", "writable", "IsWritable"); ok {
		if b, ok := asBool(w); ok {
			node.Writable = b
			return node, true
		}
	}
	if ro, ok := d.lookup("ReadOnly", "read_only", "super_read_only"); ok {
		if b, ok := asBool(ro); ok {
			node.Writable = !b
			return node, true
		}
	}

	// No writability field: a node without a source is assumed writable.
	node.Writable = node.Upstream == nil
	return node, true
}

func decodeDocument(body []byte) (document, error) {
	var d document
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, errors.Annotate(err, "decode instance document")
	}
	if msg, failed := d.errorMessage(); failed {
		return nil, errors.Errorf("orchestrator error: %s", msg)
	}
	return d, nil
}

// errorMessage recognizes the {"Code":"ERROR","Message":..} reply.
func (d document) errorMessage() (string, bool) {
	code, ok := d.lookup("Code")
	if !ok {
		return "", false
	}
	if s, _ := code.(string); !strings.EqualFold(s, "ERROR") {
		return "", false
	}
	msg, _ := d.lookup("Message")
	return fmt.Sprint(msg), true
}

// errorDocument reports whether body is an error reply. Bodies that are
// not JSON objects are not error replies.
func errorDocument(body []byte) (string, bool) {
	var d document
	if err := json.Unmarshal(body, &d); err != nil {
		return "", false
	}
	return d.errorMessage()
}

// parseTopology accepts a JSON array of instances, or an object holding
// such an array under one of the usual keys.
func parseTopology(body []byte) (*TopologySnapshot, error) {
	var items []interface{}
	if err := json.Unmarshal(body, &items); err != nil {
		d, derr := decodeDocument(body)
		if derr != nil {
			return nil, derr
		}
		v, ok := d.lookup("instances", "nodes", "Instances", "topology", "Details")
		if !ok {
			return nil, errors.New("topology document holds no instance list")
		}
		list, ok := v.([]interface{})
		if !ok {
			return nil, errors.Errorf("topology instance list has type %T", v)
		}
		items = list
	}

	// An empty list is a valid answer: the service knows no live instance.
	snap := &TopologySnapshot{Raw: json.RawMessage(append([]byte(nil), body...))}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if node, ok := parseInstance(document(m)); ok {
			snap.Nodes = append(snap.Nodes, node)
		}
	}
	if len(items) > 0 && len(snap.Nodes) == 0 {
		return nil, errors.New("topology document holds no parseable instance")
	}

	return snap, nil
}

package fakecluster

import (
	"encoding/json"
	"net/http"
	"strings"
)

type instanceKey struct {
	Hostname string
	Port     int
}

type instance struct {
	Key       instanceKey
	MasterKey instanceKey
	ReadOnly  bool
}

// Orchestrator returns an http.Handler serving the orchestrator API under
// /api for the cluster. Endpoints listed in hidden answer 404.
func (c *Cluster) Orchestrator(hidden ...string) http.Handler {
	off := make(map[string]bool, len(hidden))
	for _, h := range hidden {
		off[h] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"), "/"), "/")
		if len(parts) == 0 || off[parts[0]] {
			http.NotFound(w, r)
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.replicate()

		switch parts[0] {
		case "health":
			writeJSON(w, http.StatusOK, map[string]string{"Code": "OK", "Message": "Application node is healthy"})
			return
		case "discover", "master", "instance", "topology":
		default:
			http.NotFound(w, r)
			return
		}
		if len(parts) < 2 {
			http.NotFound(w, r)
			return
		}

		n, ok := c.nodes[parts[1]]
		if !ok {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"Code": "ERROR", "Message": "Cannot read instance " + parts[1]})
			return
		}

		switch parts[0] {
		case "discover":
			if n.down {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"Code": "ERROR", "Message": "connection refused"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"Code": "OK", "Details": c.instance(n)})
		case "instance":
			if n.down {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"Code": "ERROR", "Message": "instance " + n.Name + " is unreachable"})
				return
			}
			writeJSON(w, http.StatusOK, c.instance(n))
		case "master":
			if n.down {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"Code": "ERROR", "Message": "instance " + n.Name + " is unreachable"})
				return
			}
			writeJSON(w, http.StatusOK, c.instance(c.nodes[c.primaryFor(n)]))
		case "topology":
			out := []instance{}
			for _, name := range c.order {
				if other := c.nodes[name]; !other.down {
					out = append(out, c.instance(other))
				}
			}
			writeJSON(w, http.StatusOK, out)
		}
	})
}

func (c *Cluster) primaryFor(n *Node) string {
	if v, ok := c.views[n.Name]; ok {
		return v
	}
	if n.source == "" {
		return n.Name
	}
	return n.source
}

func (c *Cluster) instance(n *Node) instance {
	in := instance{
		Key:      instanceKey{Hostname: n.Name, Port: OrchestratorPort},
		ReadOnly: n.readOnly,
	}
	if src := c.primaryFor(n); src != n.Name {
		in.MasterKey = instanceKey{Hostname: src, Port: OrchestratorPort}
	}
	return in
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

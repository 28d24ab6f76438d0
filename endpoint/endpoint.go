// Package endpoint maps the nodes reported by the orchestration service to
// network endpoints and credentials the operator can actually reach.
package endpoint

import (
	"net"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

const DefaultPort = 3306

// NodeRef identifies a node the way the orchestration service reports it.
// Name may be a container or internal DNS name that differs from Host.
type NodeRef struct {
	Name string
	Host string
	Port int
}

// ParseNodeRef parses "host", "host:port" or "name=host:port".
func ParseNodeRef(s string) (NodeRef, error) {
	var ref NodeRef

	s = strings.TrimSpace(s)
	if s == "" {
		return ref, errors.New("empty node reference")
	}

	if name, addr, ok := strings.Cut(s, "="); ok {
		ref.Name = strings.TrimSpace(name)
		s = strings.TrimSpace(addr)
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// no port given
		ref.Host = s
		ref.Port = DefaultPort
	} else {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return ref, errors.Errorf("invalid port in node reference %q", s)
		}
		ref.Host = host
		ref.Port = p
	}

	if ref.Host == "" {
		return ref, errors.Errorf("invalid node reference %q", s)
	}
	if ref.Name == "" {
		ref.Name = ref.Host
	}

	return ref, nil
}

// MustParseNodeRef is like ParseNodeRef but panics on error.
func MustParseNodeRef(s string) NodeRef {
	ref, err := ParseNodeRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r NodeRef) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r NodeRef) String() string {
	if r.Name == "" || r.Name == r.Host {
		return r.Addr()
	}
	return r.Name + "=" + r.Addr()
}

// IsZero reports whether the reference names no node at all.
func (r NodeRef) IsZero() bool {
	return r.Host == "" && r.Port == 0
}

// Same reports whether r and o point at the same node. The orchestration
// service may report a node by its logical name or by its address, so either
// the address or a non-empty name matching on the same port is enough.
func (r NodeRef) Same(o NodeRef) bool {
	if r.Port != o.Port {
		return false
	}
	if strings.EqualFold(r.Host, o.Host) {
		return true
	}
	return (r.Name != "" && strings.EqualFold(r.Name, o.Host)) ||
		(o.Name != "" && strings.EqualFold(o.Name, r.Host)) ||
		(r.Name != "" && r.Name != r.Host && strings.EqualFold(r.Name, o.Name))
}

func (r *NodeRef) UnmarshalText(text []byte) error {
	ref, err := ParseNodeRef(string(text))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

func (r NodeRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Credentials is a user/password pair for a SQL session.
type Credentials struct {
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// Endpoint is a reachable SQL target.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.User + "@" + e.Addr()
}

// Target pairs a node with its resolved endpoint.
type Target struct {
	Ref      NodeRef
	Endpoint Endpoint
}

func (t Target) String() string {
	return t.Ref.String()
}

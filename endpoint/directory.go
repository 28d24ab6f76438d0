package endpoint

import (
	"fmt"
	"os"
	"strings"

	"github.com/pingcap/errors"
)

// Mapping is one operator-supplied row of the directory.
type Mapping struct {
	// Name is the logical name reported by the orchestration service.
	// It may also be written as host:port to match by address.
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// ResolutionError is returned when a node has no mapping and no default applies.
type ResolutionError struct {
	Ref NodeRef
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no endpoint mapping for node %s", e.Ref)
}

// Directory resolves NodeRefs to Endpoints with a fixed lookup table.
// It is safe for concurrent reads once built.
type Directory struct {
	byName map[string]Endpoint
	byAddr map[string]Endpoint

	// fallback credentials for nodes reachable at their reported address
	defaults    Credentials
	passthrough bool
}

// NewDirectory builds a directory from mappings. Mappings without explicit
// credentials inherit defaults. When passthrough is true, an unmapped node is
// resolved to its own host and port with the default credentials.
func NewDirectory(mappings []Mapping, defaults Credentials, passthrough bool) (*Directory, error) {
	d := &Directory{
		byName:      make(map[string]Endpoint, len(mappings)),
		byAddr:      make(map[string]Endpoint, len(mappings)),
		defaults:    expandCredentials(defaults),
		passthrough: passthrough,
	}

	for _, m := range mappings {
		if m.Name == "" {
			return nil, errors.Errorf("endpoint mapping for %s:%d has no name", m.Host, m.Port)
		}
		if m.Host == "" {
			return nil, errors.Errorf("endpoint mapping %q has no host", m.Name)
		}

		ep := Endpoint{
			Host:     m.Host,
			Port:     m.Port,
			User:     m.User,
			Password: os.ExpandEnv(m.Password),
		}
		if ep.Port == 0 {
			ep.Port = DefaultPort
		}
		if ep.User == "" {
			ep.User = d.defaults.User
			if m.Password == "" {
				ep.Password = d.defaults.Password
			}
		}

		key := strings.ToLower(m.Name)
		if _, ok := d.byName[key]; ok {
			return nil, errors.Errorf("duplicate endpoint mapping %q", m.Name)
		}
		d.byName[key] = ep

		if strings.Contains(m.Name, ":") {
			ref, err := ParseNodeRef(m.Name)
			if err == nil {
				d.byAddr[strings.ToLower(ref.Addr())] = ep
			}
		}
	}

	return d, nil
}

func expandCredentials(c Credentials) Credentials {
	c.Password = os.ExpandEnv(c.Password)
	return c
}

// Resolve returns the endpoint for ref. The same ref always resolves to the
// same endpoint for the life of the directory.
func (d *Directory) Resolve(ref NodeRef) (Endpoint, error) {
	if ref.Name != "" {
		if ep, ok := d.byName[strings.ToLower(ref.Name)]; ok {
			return ep, nil
		}
	}
	if ref.Host != "" {
		if ep, ok := d.byName[strings.ToLower(ref.Host)]; ok {
			return ep, nil
		}
		if ep, ok := d.byAddr[strings.ToLower(ref.Addr())]; ok {
			return ep, nil
		}
	}

	if d.passthrough && ref.Host != "" {
		port := ref.Port
		if port == 0 {
			port = DefaultPort
		}
		return Endpoint{
			Host:     ref.Host,
			Port:     port,
			User:     d.defaults.User,
			Password: d.defaults.Password,
		}, nil
	}

	return Endpoint{}, &ResolutionError{Ref: ref}
}

// Len returns the number of explicit mappings.
func (d *Directory) Len() int {
	return len(d.byName)
}

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/poll"
)

const maxBodySize = 4 << 20

// ErrUnsupported is returned for endpoints this deployment does not expose.
var ErrUnsupported = errors.New("endpoint not supported by this orchestrator deployment")

// RequestError is a request that failed before the service answered
// (Status 0) or that was answered with an error status.
type RequestError struct {
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("GET %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("GET %s: HTTP %d: %s", e.Path, e.Status, e.Body)
}

// IsUnavailable reports whether err means the service could not tell,
// as opposed to telling something unusable: the endpoint is not exposed
// or the request never got an answer.
func IsUnavailable(err error) bool {
	cause := errors.Cause(err)
	if cause == ErrUnsupported {
		return true
	}
	re, ok := cause.(*RequestError)
	return ok && re.Status == 0
}

// Config locates the orchestration service.
type Config struct {
	// URL is the API base, e.g. http://orchestrator:3000/api
	URL            string        `toml:"url"`
	User           string        `toml:"user"`
	Password       string        `toml:"password"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// Attempt records what one strategy saw.
type Attempt struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
	Raw      string `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// LeaderUndeterminedError is returned when no strategy named a primary.
// It carries the raw responses for diagnosis.
type LeaderUndeterminedError struct {
	Ref      endpoint.NodeRef
	Attempts []Attempt
}

func (e *LeaderUndeterminedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Error != "" {
			parts = append(parts, a.Endpoint+": "+a.Error)
		} else {
			parts = append(parts, a.Endpoint+": no answer")
		}
	}
	return fmt.Sprintf("cannot determine primary of %s (%s)", e.Ref, strings.Join(parts, "; "))
}

// Client is the orchestration service HTTP client.
type Client struct {
	base     string
	user     string
	password string
	http     *http.Client
	logger   *slog.Logger

	// endpoint+node pairs that answered 404
	unsupported *cache.Cache
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("orchestrator url is empty")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errors.Annotatef(err, "orchestrator url %q", cfg.URL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:        strings.TrimRight(cfg.URL, "/"),
		user:        cfg.User,
		password:    cfg.Password,
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		logger:      logger,
		unsupported: cache.New(30*time.Minute, 10*time.Minute),
	}, nil
}

// nodePath is how the service names a node: by its logical name when known.
func nodePath(ref endpoint.NodeRef) string {
	host := ref.Name
	if host == "" {
		host = ref.Host
	}
	return url.PathEscape(host) + "/" + fmt.Sprint(ref.Port)
}

func (c *Client) fetch(ctx context.Context, path string, memoKey string) ([]byte, error) {
	if memoKey != "" {
		if _, found := c.unsupported.Get(memoKey); found {
			return nil, ErrUnsupported
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+path, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.Annotatef(err, "read %s", path)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		if memoKey != "" {
			c.unsupported.Set(memoKey, struct{}{}, cache.DefaultExpiration)
		}
		return nil, ErrUnsupported
	case resp.StatusCode >= 300:
		return nil, &RequestError{Path: path, Status: resp.StatusCode, Body: truncate(body, 256)}
	}

	return body, nil
}

func (c *Client) get(ctx context.Context, name string, ref endpoint.NodeRef) ([]byte, error) {
	path := name + "/" + nodePath(ref)
	return c.fetch(ctx, path, path)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Discover asks the service to (re)register ref. Best effort: a deployment
// without the endpoint is not an error.
func (c *Client) Discover(ctx context.Context, ref endpoint.NodeRef) error {
	_, err := c.get(ctx, "discover", ref)
	if err == ErrUnsupported {
		c.logger.Debug("orchestrator has no discover endpoint", "node", ref.String())
		return nil
	}
	return err
}

// Topology returns the cluster topology as seen from ref.
func (c *Client) Topology(ctx context.Context, ref endpoint.NodeRef) (*TopologySnapshot, error) {
	body, err := c.get(ctx, "topology", ref)
	if err != nil {
		return nil, err
	}
	return parseTopology(body)
}

// PrimaryOf infers the primary of ref by trying each strategy in order.
func (c *Client) PrimaryOf(ctx context.Context, ref endpoint.NodeRef) (endpoint.NodeRef, error) {
	uerr := &LeaderUndeterminedError{Ref: ref}

	for _, s := range primaryStrategies {
		if err := ctx.Err(); err != nil {
			return endpoint.NodeRef{}, err
		}

		body, err := c.get(ctx, s.endpoint, ref)
		if err != nil {
			uerr.Attempts = append(uerr.Attempts, Attempt{Endpoint: s.endpoint, Error: err.Error()})
			continue
		}

		if primary, ok := s.infer(ref, body); ok {
			c.logger.Debug("primary inferred", "node", ref.String(), "endpoint", s.endpoint, "primary", primary.String())
			return primary, nil
		}
		uerr.Attempts = append(uerr.Attempts, Attempt{Endpoint: s.endpoint, Raw: truncate(body, 4096)})
	}

	return endpoint.NodeRef{}, uerr
}

// Healthy checks the service health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	body, err := c.fetch(ctx, "health", "health")
	if err != nil {
		return err
	}
	if msg, failed := errorDocument(body); failed {
		return errors.Errorf("orchestrator unhealthy: %s", msg)
	}
	return nil
}

// WaitHealthy polls Healthy until it succeeds. A deployment without a
// health endpoint counts as healthy.
func (c *Client) WaitHealthy(ctx context.Context, interval, timeout time.Duration) error {
	return poll.Until(ctx, "wait orchestrator health", interval, timeout, func(ctx context.Context) error {
		err := c.Healthy(ctx)
		if err == ErrUnsupported {
			return nil
		}
		return err
	})
}

// Package fakecluster is an in-memory GTID replication cluster used by unit
// tests. It implements probe.Prober for the statements the harness issues and
// serves an orchestrator API that reflects the cluster state.
package fakecluster

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/probe"
)

const (
	User     = "root"
	Password = "secret"
	// OrchestratorPort is the port every node is known by to the orchestrator.
	OrchestratorPort = 3306
)

var (
	qualifiedRe = regexp.MustCompile("`([^`]+)`\\.`([^`]+)`")
	quotedRe    = regexp.MustCompile("`([^`]+)`")
)

type table map[string]map[string]interface{}

type Node struct {
	Name string
	Port int
	UUID string

	down     bool
	paused   bool
	readOnly bool
	password string
	source   string
	applied  int
	executed map[string]int64
	schemas  map[string]map[string]table
}

type mutation func(n *Node) error

type event struct {
	uuid     string
	seq      int64
	mutators []mutation
}

// Cluster holds the nodes and the replication log shared by them.
type Cluster struct {
	mu      sync.Mutex
	nodes   map[string]*Node
	byAddr  map[string]*Node
	order   []string
	log     []event
	primary string
	views   map[string]string
	queries map[string][]string
}

// New creates a cluster where the first name is the primary and the others
// replicate from it. Node i listens on 127.0.0.1:3307+i.
func New(names ...string) *Cluster {
	c := &Cluster{
		nodes:   make(map[string]*Node),
		byAddr:  make(map[string]*Node),
		views:   make(map[string]string),
		queries: make(map[string][]string),
	}
	for i, name := range names {
		n := &Node{
			Name:     name,
			Port:     3307 + i,
			UUID:     uuid.New().String(),
			password: Password,
			executed: make(map[string]int64),
			schemas:  make(map[string]map[string]table),
		}
		if i == 0 {
			c.primary = name
		} else {
			n.readOnly = true
			n.source = names[0]
		}
		c.nodes[name] = n
		c.byAddr[c.endpointOf(n).Addr()] = n
		c.order = append(c.order, name)
	}
	return c
}

func (c *Cluster) endpointOf(n *Node) endpoint.Endpoint {
	return endpoint.Endpoint{Host: "127.0.0.1", Port: n.Port, User: User, Password: Password}
}

// Names returns the node names in creation order.
func (c *Cluster) Names() []string {
	return append([]string(nil), c.order...)
}

// Ref is the node as the orchestrator knows it.
func (c *Cluster) Ref(name string) endpoint.NodeRef {
	return endpoint.NodeRef{Name: name, Host: name, Port: OrchestratorPort}
}

func (c *Cluster) Endpoint(name string) endpoint.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointOf(c.mustNode(name))
}

func (c *Cluster) Target(name string) endpoint.Target {
	return endpoint.Target{Ref: c.Ref(name), Endpoint: c.Endpoint(name)}
}

// Mappings returns the endpoint directory entries of every node.
func (c *Cluster) Mappings() []endpoint.Mapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := make([]endpoint.Mapping, 0, len(c.order))
	for _, name := range c.order {
		n := c.nodes[name]
		ms = append(ms, endpoint.Mapping{
			Name:     name,
			Host:     "127.0.0.1",
			Port:     n.Port,
			User:     User,
			Password: Password,
		})
	}
	return ms
}

func (c *Cluster) mustNode(name string) *Node {
	n, ok := c.nodes[name]
	if !ok {
		panic(fmt.Sprintf("fakecluster: unknown node %q", name))
	}
	return n
}

func (c *Cluster) Primary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// Kill makes the node unreachable.
func (c *Cluster) Kill(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustNode(name).down = true
}

func (c *Cluster) Start(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustNode(name).down = false
}

// Pause stops the node from applying the replication log.
func (c *Cluster) Pause(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustNode(name).paused = true
}

func (c *Cluster) Resume(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustNode(name).paused = false
}

// RejectPassword makes every login to the node fail with access denied.
func (c *Cluster) RejectPassword(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustNode(name).password = "rotated"
}

// Promote makes name the writable primary. Every other node, including a
// dead old primary, becomes a read-only replica of it. The new primary first
// applies whatever it had not applied yet unless it is paused.
func (c *Cluster) Promote(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.mustNode(name)
	if !n.paused {
		c.catchUp(n)
	}
	for _, other := range c.nodes {
		if other == n {
			continue
		}
		other.readOnly = true
		other.source = name
	}
	n.readOnly = false
	n.source = ""
	n.paused = false
	n.applied = len(c.log)
	c.primary = name
}

// SetView makes the orchestrator answer primary for every query about node.
// An empty primary removes the override.
func (c *Cluster) SetView(node, primary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if primary == "" {
		delete(c.views, node)
		return
	}
	c.views[node] = primary
}

// DropDatabase drops db on one node only, outside replication.
func (c *Cluster) DropDatabase(name, db string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mustNode(name).schemas, strings.ToLower(db))
}

// HasDatabase reports whether db exists on node.
func (c *Cluster) HasDatabase(name, db string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.mustNode(name).schemas[strings.ToLower(db)]
	return ok
}

// ReadOnly reports the read_only flag of node.
func (c *Cluster) ReadOnly(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mustNode(name).readOnly
}

// Queries returns every statement run on node, in order.
func (c *Cluster) Queries(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.mustNode(name)
	return append([]string(nil), c.queries[c.endpointOf(n).Addr()]...)
}

// Executed returns the gtid_executed of node.
func (c *Cluster) Executed(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.mustNode(name)
	c.replicate()
	return n.gtidExecuted()
}

func (n *Node) gtidExecuted() string {
	parts := make([]string, 0, len(n.executed))
	for id, seq := range n.executed {
		parts = append(parts, fmt.Sprintf("%s:1-%d", id, seq))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (c *Cluster) catchUp(n *Node) {
	for ; n.applied < len(c.log); n.applied++ {
		ev := c.log[n.applied]
		for _, m := range ev.mutators {
			_ = m(n)
		}
		n.executed[ev.uuid] = ev.seq
	}
}

func (c *Cluster) replicate() {
	for _, n := range c.nodes {
		if n.down || n.paused || n.source == "" {
			continue
		}
		c.catchUp(n)
	}
}

const (
	errDupEntry        = 1062
	errParse           = 1064
	errWrongValueCount = 1136
	errWrongArguments  = 1210
)

func myError(code uint16, format string, args ...interface{}) error {
	return &mysql.MyError{Code: code, Message: fmt.Sprintf(format, args...), State: "HY000"}
}

// Execute implements probe.Prober.
func (c *Cluster) Execute(ctx context.Context, ep endpoint.Endpoint, op probe.Op) (*probe.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, &probe.Error{Kind: probe.Classify(err, true), Addr: ep.Addr(), Op: op.String(), Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.byAddr[ep.Addr()]
	if !ok || n.down {
		err := errors.Errorf("dial tcp %s: connect: connection refused", ep.Addr())
		return nil, &probe.Error{Kind: probe.Unreachable, Addr: ep.Addr(), Op: op.String(), Err: err}
	}
	if ep.Password != n.password {
		err := myError(mysql.ER_ACCESS_DENIED_ERROR, "Access denied for user '%s'@'%%' (using password: YES)", ep.User)
		return nil, &probe.Error{Kind: probe.AuthFailed, Addr: ep.Addr(), Op: op.String(), Err: err}
	}

	c.replicate()

	s := &session{cluster: c, node: n, db: op.Database, logBin: true}
	rows, err := s.run(op)
	if err != nil {
		return nil, &probe.Error{Kind: probe.Classify(err, false), Addr: ep.Addr(), Op: op.String(), Err: err}
	}
	return rows, nil
}

type session struct {
	cluster *Cluster
	node    *Node
	db      string
	logBin  bool
	pending []mutation
}

func (s *session) run(op probe.Op) (*probe.Rows, error) {
	rows := &probe.Rows{}
	for _, st := range op.Statements {
		s.cluster.queries[s.cluster.endpointOf(s.node).Addr()] = append(s.cluster.queries[s.cluster.endpointOf(s.node).Addr()], st.Query)

		var err error
		rows, err = s.statement(st)
		if err != nil {
			return nil, err
		}
		if !op.Tx {
			s.commit()
		}
	}
	s.commit()
	return rows, nil
}

// commit logs the pending writes as one transaction.
func (s *session) commit() {
	if len(s.pending) == 0 {
		return
	}
	c := s.cluster
	if s.logBin && s.node.Name == c.primary {
		seq := s.node.executed[s.node.UUID] + 1
		s.node.executed[s.node.UUID] = seq
		c.log = append(c.log, event{uuid: s.node.UUID, seq: seq, mutators: s.pending})
		s.node.applied = len(c.log)
	}
	s.pending = nil
}

func (s *session) write(m mutation) (*probe.Rows, error) {
	if err := m(s.node); err != nil {
		return nil, err
	}
	s.pending = append(s.pending, m)
	return &probe.Rows{AffectedRows: 1}, nil
}

func scalar(col string, v interface{}) *probe.Rows {
	return &probe.Rows{Columns: []string{col}, Values: [][]interface{}{{v}}}
}

func (s *session) qualified(q string) (string, string, bool) {
	if m := qualifiedRe.FindStringSubmatch(q); m != nil {
		return strings.ToLower(m[1]), strings.ToLower(m[2]), true
	}
	return "", "", false
}

func (s *session) statement(st probe.Statement) (*probe.Rows, error) {
	q := strings.TrimSpace(st.Query)
	upper := strings.ToUpper(q)
	n := s.node

	switch {
	case upper == "SELECT 1":
		return scalar("1", int64(1)), nil

	case upper == "SELECT @@GLOBAL.GTID_EXECUTED":
		return scalar("@@GLOBAL.gtid_executed", n.gtidExecuted()), nil

	case strings.HasPrefix(upper, "SELECT WAIT_FOR_EXECUTED_GTID_SET"):
		if len(st.Args) == 0 {
			return nil, myError(errWrongArguments, "Incorrect arguments to WAIT_FOR_EXECUTED_GTID_SET")
		}
		set, _ := probe.AsString(st.Args[0])
		want, err := mysql.ParseMysqlGTIDSet(set)
		if err != nil {
			return scalar("r", nil), nil
		}
		have, err := mysql.ParseMysqlGTIDSet(n.gtidExecuted())
		if err != nil {
			return nil, errors.Trace(err)
		}
		if have.Contain(want) {
			return scalar("r", int64(0)), nil
		}
		return scalar("r", int64(1)), nil

	case strings.HasPrefix(upper, "SET SESSION SQL_LOG_BIN"):
		s.logBin = !strings.HasSuffix(upper, "0") && !strings.HasSuffix(upper, "OFF")
		return &probe.Rows{}, nil

	case strings.HasPrefix(upper, "SET GLOBAL READ_ONLY"), strings.HasPrefix(upper, "SET GLOBAL SUPER_READ_ONLY"):
		on := strings.HasSuffix(upper, "1") || strings.HasSuffix(upper, "ON")
		if len(st.Args) == 1 {
			v, _ := probe.AsInt(st.Args[0])
			on = v != 0
		}
		n.readOnly = on
		return &probe.Rows{}, nil

	case strings.HasPrefix(upper, "CREATE DATABASE"):
		m := quotedRe.FindStringSubmatch(q)
		if m == nil {
			return nil, myError(errParse, "You have an error in your SQL syntax")
		}
		db := strings.ToLower(m[1])
		return s.write(func(n *Node) error {
			if _, ok := n.schemas[db]; !ok {
				n.schemas[db] = make(map[string]table)
			}
			return nil
		})

	case strings.HasPrefix(upper, "DROP DATABASE"):
		m := quotedRe.FindStringSubmatch(q)
		if m == nil {
			return nil, myError(errParse, "You have an error in your SQL syntax")
		}
		db := strings.ToLower(m[1])
		return s.write(func(n *Node) error {
			delete(n.schemas, db)
			return nil
		})

	case strings.HasPrefix(upper, "CREATE TABLE"):
		db, tbl, ok := s.qualified(q)
		if !ok {
			return nil, myError(errParse, "You have an error in your SQL syntax")
		}
		return s.write(func(n *Node) error {
			schema, ok := n.schemas[db]
			if !ok {
				return myError(mysql.ER_BAD_DB_ERROR, "Unknown database '%s'", db)
			}
			if _, ok := schema[tbl]; !ok {
				schema[tbl] = make(table)
			}
			return nil
		})

	case strings.HasPrefix(upper, "INSERT INTO"):
		return s.insert(q, st.Args)

	case strings.HasPrefix(upper, "SELECT"):
		return s.selectRows(q, st.Args)

	default:
		return nil, myError(errParse, "fakecluster does not understand %q", q)
	}
}

func (s *session) lookupTable(n *Node, db, tbl string) (table, error) {
	schema, ok := n.schemas[db]
	if !ok {
		return nil, myError(mysql.ER_BAD_DB_ERROR, "Unknown database '%s'", db)
	}
	t, ok := schema[tbl]
	if !ok {
		return nil, myError(mysql.ER_NO_SUCH_TABLE, "Table '%s.%s' doesn't exist", db, tbl)
	}
	return t, nil
}

func columnList(q string) []string {
	open := strings.Index(q, "(")
	closing := strings.Index(q, ")")
	if open < 0 || closing < open {
		return nil
	}
	cols := strings.Split(q[open+1:closing], ",")
	for i := range cols {
		cols[i] = strings.Trim(strings.TrimSpace(cols[i]), "`")
	}
	return cols
}

func (s *session) insert(q string, args []interface{}) (*probe.Rows, error) {
	db, tbl, ok := s.qualified(q)
	if !ok {
		return nil, myError(errParse, "You have an error in your SQL syntax")
	}
	cols := columnList(q)
	if len(cols) == 0 || len(cols) != len(args) {
		return nil, myError(errWrongValueCount, "Column count doesn't match value count")
	}
	row := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		row[col] = args[i]
	}
	tag, _ := probe.AsString(row["tag"])

	return s.write(func(n *Node) error {
		t, err := s.lookupTable(n, db, tbl)
		if err != nil {
			return err
		}
		if _, dup := t[tag]; dup {
			return myError(errDupEntry, "Duplicate entry '%s' for key 'tag'", tag)
		}
		t[tag] = row
		return nil
	})
}

func (s *session) selectRows(q string, args []interface{}) (*probe.Rows, error) {
	db, tbl, ok := s.qualified(q)
	if !ok {
		return nil, myError(errParse, "fakecluster does not understand %q", q)
	}
	t, err := s.lookupTable(s.node, db, tbl)
	if err != nil {
		return nil, err
	}

	upper := strings.ToUpper(q)
	from := strings.Index(upper, " FROM ")
	cols := strings.Split(strings.TrimSpace(q[len("SELECT "):from]), ",")
	for i := range cols {
		cols[i] = strings.Trim(strings.TrimSpace(cols[i]), "`")
	}

	rows := &probe.Rows{Columns: cols}
	keys := make([]string, 0, len(t))
	for tag := range t {
		keys = append(keys, tag)
	}
	sort.Strings(keys)
	for _, tag := range keys {
		if strings.Contains(upper, "WHERE TAG = ?") && (len(args) == 0 || fmt.Sprint(args[0]) != tag) {
			continue
		}
		row := t[tag]
		values := make([]interface{}, len(cols))
		for i, col := range cols {
			values[i] = row[col]
		}
		rows.Values = append(rows.Values, values)
	}
	return rows, nil
}

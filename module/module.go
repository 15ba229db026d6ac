// Package module defines the capability set concrete monitor modules
// (generic, primary/replica, Galera, NDB) implement, and a small tagged
// registry the manager uses to construct them by name.
package module

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/signal18/monitorcore/config"
	"github.com/signal18/monitorcore/dbhelper"
	"github.com/signal18/monitorcore/status"
)

// ServerView is the read/write surface a module needs into one
// MonitoredServer's scratch state during a tick, without depending on the
// monitor package (which depends on module) and creating an import cycle.
type ServerView interface {
	Address() (host, port string)
	Pending() status.Status
	SetPending(status.Status)
	DB() *sqlx.DB

	// SetTopology records this server's own identifier and its replication
	// parent's identifier, so $PARENT/$CHILDREN script tokens can be
	// resolved later. masterID is "" when the server has no parent.
	SetTopology(nodeID, masterID string)
}

// Module is the capability set every concrete monitor type implements.
type Module interface {
	// Configure applies settings once, at monitor start or reconfiguration.
	Configure(settings config.Settings) error

	// HasSufficientPermissions runs the module's one-shot startup probe
	// query against db and returns the query error unclassified; the caller
	// tells fatal access-denied from non-fatal query-permission-denied. See
	// dbhelper.RunPermissionProbe.
	HasSufficientPermissions(ctx context.Context, db *sqlx.DB) error

	// Tick is called once per server per monitor tick after the probe
	// result is known to be OK, to derive role/topology status bits.
	Tick(ctx context.Context, s ServerView) error

	// ImmediateTickRequired reports whether the module wants a tick sooner
	// than the configured interval (e.g. a topology change was detected
	// out of band).
	ImmediateTickRequired() bool

	// UpdateServerStatus lets the module fold its role bits into a status
	// word, e.g. after reading SHOW SLAVE STATUS.
	UpdateServerStatus(current status.Status, roleBits status.Status) status.Status

	// Diagnostics returns an opaque, module-specific diagnostics blob. The
	// external diagnostics/JSON serializer (out of scope here) decides what
	// to do with it.
	Diagnostics() map[string]interface{}
}

// Factory constructs a fresh Module instance for a given module id.
type Factory func() Module

var registry = map[string]Factory{
	"generic":         func() Module { return &Generic{} },
	"primary_replica": func() Module { return &PrimaryReplica{} },
	"galera":          func() Module { return &Galera{} },
	"ndb":             func() Module { return &NDB{} },
}

// New constructs the named module, or reports it is unknown.
func New(id string) (Module, bool) {
	factory, ok := registry[id]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Register adds or overrides a factory in the registry, so an embedder can
// plug in a custom module implementation without forking this package.
func Register(id string, f Factory) {
	registry[id] = f
}

// baseState holds the fields every concrete module shares: the last
// configured settings and an immediate-tick hint that Tick may set.
type baseState struct {
	settings  config.Settings
	immediate bool
}

func (b *baseState) Configure(settings config.Settings) error {
	b.settings = settings
	return nil
}

func (b *baseState) ImmediateTickRequired() bool {
	v := b.immediate
	b.immediate = false
	return v
}

// Generic is the fallback module: it never asserts a role, only tracks
// RUNNING/AUTH_ERROR via the probe result the worker already computed.
type Generic struct {
	baseState
}

func (g *Generic) HasSufficientPermissions(ctx context.Context, db *sqlx.DB) error {
	return dbhelper.RunPermissionProbe(ctx, db, "SELECT 1")
}

// Tick is a no-op: Generic asserts no role, so there is no topology query
// to run.
func (g *Generic) Tick(ctx context.Context, s ServerView) error { return nil }

func (g *Generic) UpdateServerStatus(current, roleBits status.Status) status.Status {
	return current
}

func (g *Generic) Diagnostics() map[string]interface{} {
	return map[string]interface{}{"module": "generic"}
}

// PrimaryReplica tracks MASTER/SLAVE role bits from SHOW SLAVE STATUS-shaped
// replication state.
type PrimaryReplica struct {
	baseState
	lastRoleBits status.Status
}

func (p *PrimaryReplica) HasSufficientPermissions(ctx context.Context, db *sqlx.DB) error {
	if err := dbhelper.RunPermissionProbe(ctx, db, "SHOW SLAVE STATUS"); err != nil {
		return err
	}
	return dbhelper.RunPermissionProbe(ctx, db, "SHOW MASTER STATUS")
}

// Tick runs SHOW SLAVE STATUS against s and folds the result into role
// bits: a server with no slave status row is the topology root (MASTER); a
// server with a row is a SLAVE only while both IO and SQL threads are
// running. The server's own address doubles as its node id, and the
// upstream's Master_Host as its parent id, for $PARENT/$CHILDREN
// resolution.
func (p *PrimaryReplica) Tick(ctx context.Context, s ServerView) error {
	db := s.DB()
	if db == nil {
		return nil
	}
	host, _ := s.Address()

	ss, err := dbhelper.GetSlaveStatus(ctx, db)
	if err == sql.ErrNoRows {
		s.SetTopology(host, "")
		s.SetPending(p.UpdateServerStatus(s.Pending(), status.Master))
		return nil
	}
	if err != nil {
		return err
	}

	var roleBits status.Status
	if ss.SlaveIORunning == "Yes" && ss.SlaveSQLRunning == "Yes" {
		roleBits = status.Slave
	}
	s.SetTopology(host, ss.MasterHost)
	s.SetPending(p.UpdateServerStatus(s.Pending(), roleBits))
	return nil
}

// UpdateServerStatus folds SLAVE/MASTER role bits (already determined by
// the caller from a SHOW SLAVE STATUS query) into current, replacing
// whatever role bits were previously set.
func (p *PrimaryReplica) UpdateServerStatus(current, roleBits status.Status) status.Status {
	const roleMask = status.Master | status.Slave
	next := (current &^ roleMask) | (roleBits & roleMask)
	if current.Has(status.Master) && !next.Has(status.Master) {
		next |= status.WasMaster
	}
	p.lastRoleBits = roleBits & roleMask
	return next
}

func (p *PrimaryReplica) Diagnostics() map[string]interface{} {
	return map[string]interface{}{"module": "primary_replica", "role_bits": p.lastRoleBits.String()}
}

// Galera tracks the JOINED role bit from wsrep_local_state.
type Galera struct {
	baseState
}

// WsrepLocalStateSynced is the numeric wsrep_local_state value that means a node
// has fully joined the cluster (Synced).
const WsrepLocalStateSynced = 4

func (g *Galera) HasSufficientPermissions(ctx context.Context, db *sqlx.DB) error {
	return dbhelper.RunPermissionProbe(ctx, db, "SHOW STATUS LIKE 'wsrep_local_state'")
}

// Tick reads wsrep_local_state and folds the JOINED bit into the server's
// status once the node reports the Synced state.
func (g *Galera) Tick(ctx context.Context, s ServerView) error {
	db := s.DB()
	if db == nil {
		return nil
	}
	val, err := dbhelper.GetStatusVariable(ctx, db, "wsrep_local_state")
	if err != nil {
		return err
	}
	state, err := strconv.Atoi(val)
	if err != nil {
		return err
	}

	var roleBits status.Status
	if state == WsrepLocalStateSynced {
		roleBits = status.Joined
	}
	s.SetPending(g.UpdateServerStatus(s.Pending(), roleBits))
	return nil
}

func (g *Galera) UpdateServerStatus(current, roleBits status.Status) status.Status {
	if roleBits.Has(status.Joined) {
		return current | status.Joined
	}
	return current &^ status.Joined
}

func (g *Galera) Diagnostics() map[string]interface{} {
	return map[string]interface{}{"module": "galera"}
}

// NDB tracks the NDB role bit from a cluster membership query.
type NDB struct {
	baseState
}

func (n *NDB) HasSufficientPermissions(ctx context.Context, db *sqlx.DB) error {
	return dbhelper.RunPermissionProbe(ctx, db, "SHOW STATUS LIKE 'Ndb_cluster_node_id'")
}

// Tick reads Ndb_cluster_node_id and folds the NDB bit into the server's
// status once the node reports a nonzero cluster membership id.
func (n *NDB) Tick(ctx context.Context, s ServerView) error {
	db := s.DB()
	if db == nil {
		return nil
	}
	val, err := dbhelper.GetStatusVariable(ctx, db, "Ndb_cluster_node_id")
	if err != nil {
		return err
	}

	var roleBits status.Status
	if val != "" && val != "0" {
		roleBits = status.Ndb
	}
	s.SetPending(n.UpdateServerStatus(s.Pending(), roleBits))
	return nil
}

func (n *NDB) UpdateServerStatus(current, roleBits status.Status) status.Status {
	if roleBits.Has(status.Ndb) {
		return current | status.Ndb
	}
	return current &^ status.Ndb
}

func (n *NDB) Diagnostics() map[string]interface{} {
	return map[string]interface{}{"module": "ndb"}
}

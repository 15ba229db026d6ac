// Package dbhelper provides the small set of SQL primitives the monitoring
// core needs against a backend: opening a DSN, pinging, reading disk usage,
// and probing for permission problems. It never makes routing or topology
// decisions; it is a thin, well-tested wrapper around database/sql.
package dbhelper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// ErrAccessDenied is the MySQL error number for a connection-level
// access-denied failure (bad user/password/host).
const ErrAccessDenied uint16 = 1045

// ErrUnknownTable is the MySQL error number returned when a queried table
// or view does not exist, used by DiskUsageByPath to detect a backend that
// has no disk-usage information source at all.
const ErrUnknownTable uint16 = 1109

// permission-denied error numbers a startup probe query may legitimately
// hit without it being a fatal, connection-level failure.
var queryPermissionErrors = map[uint16]bool{
	1142: true, // ER_TABLEACCESS_DENIED_ERROR
	1143: true, // ER_COLUMNACCESS_DENIED_ERROR
	1370: true, // ER_PROCACCESS_DENIED_ERROR
}

// ConnectionSettings bundles the parameters a probe needs to open or
// re-verify a backend connection.
type ConnectionSettings struct {
	User           string
	Password       string
	Host           string
	Port           string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DSN builds a go-sql-driver/mysql data source name from settings.
func DSN(s ConnectionSettings) string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%s)/?timeout=%s&readTimeout=%s&writeTimeout=%s&interpolateParams=true",
		s.User, s.Password, s.Host, s.Port,
		s.ConnectTimeout, s.ReadTimeout, s.WriteTimeout,
	)
}

// Connect opens a fresh connection and pings it once. The caller owns the
// returned handle and must Close it.
func Connect(s ConnectionSettings) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", DSN(s))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Ping verifies an already-open handle is still usable.
func Ping(ctx context.Context, db *sqlx.DB) error {
	return db.PingContext(ctx)
}

// IsAccessDenied reports whether err is a connection-level access-denied
// failure, the only kind of permission failure that is fatal at startup.
func IsAccessDenied(err error) bool {
	driverErr, ok := err.(*mysql.MySQLError)
	return ok && driverErr.Number == ErrAccessDenied
}

// IsQueryPermissionDenied reports whether err is a table/column/procedure
// access-denied failure on an otherwise-successful connection: logged, not
// fatal.
func IsQueryPermissionDenied(err error) bool {
	driverErr, ok := err.(*mysql.MySQLError)
	return ok && queryPermissionErrors[driverErr.Number]
}

// IsUnknownTable reports whether err indicates the queried table or view
// does not exist on this backend.
func IsUnknownTable(err error) bool {
	driverErr, ok := err.(*mysql.MySQLError)
	return ok && driverErr.Number == ErrUnknownTable
}

// DiskUsage is one row of a per-mount disk usage report.
type DiskUsage struct {
	Path      string
	TotalKB   uint64
	AvailKB   uint64
}

// UsedPercent computes the percentage of the mount currently in use.
func (d DiskUsage) UsedPercent() float64 {
	if d.TotalKB == 0 {
		return 0
	}
	used := d.TotalKB - d.AvailKB
	return float64(used) / float64(d.TotalKB) * 100
}

// DiskUsageByPath queries the backend's disk-usage information source
// (information_schema.disks-shaped) for the given mount path. Returns
// IsUnknownTable(err) == true when the information source itself is
// absent, so callers can permanently disable the check for this server.
func DiskUsageByPath(ctx context.Context, db *sqlx.DB, path string) (DiskUsage, error) {
	const q = `SELECT Disk_used, Disk_available FROM information_schema.disks WHERE Path = ? LIMIT 1`
	var used, avail uint64
	row := db.QueryRowContext(ctx, q, path)
	if err := row.Scan(&used, &avail); err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{Path: path, TotalKB: used + avail, AvailKB: avail}, nil
}

// KnownDiskPaths lists every mount path the backend's disk-usage
// information source knows about, for expanding a wildcard
// disk_space_threshold entry against paths that were not explicitly listed.
// Returns IsUnknownTable(err) == true under the same condition as
// DiskUsageByPath.
func KnownDiskPaths(ctx context.Context, db *sqlx.DB) ([]string, error) {
	const q = `SELECT DISTINCT Path FROM information_schema.disks`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// SlaveStatus is the subset of SHOW SLAVE STATUS a topology-aware module
// needs to fold role bits into a server's status word. Get returns
// sql.ErrNoRows when the server has no slave status row at all, i.e. it is
// not replicating from anything.
type SlaveStatus struct {
	MasterHost      string `db:"Master_Host"`
	MasterPort      string `db:"Master_Port"`
	SlaveIORunning  string `db:"Slave_IO_Running"`
	SlaveSQLRunning string `db:"Slave_SQL_Running"`
}

// GetSlaveStatus runs SHOW SLAVE STATUS and scans it into a SlaveStatus. The
// unsafe mapper tolerates a driver-version column this struct doesn't
// declare instead of failing the scan outright.
func GetSlaveStatus(ctx context.Context, db *sqlx.DB) (SlaveStatus, error) {
	db.MapperFunc(strings.Title)
	var ss SlaveStatus
	err := db.Unsafe().GetContext(ctx, &ss, "SHOW SLAVE STATUS")
	return ss, err
}

// StatusVariable is one row of a SHOW STATUS LIKE '...' result.
type StatusVariable struct {
	VariableName string `db:"Variable_name"`
	Value        string `db:"Value"`
}

// GetStatusVariable reads a single global status variable by name, used by
// the Galera and NDB modules to read wsrep_local_state and
// Ndb_cluster_node_id without each hand-rolling the same query.
func GetStatusVariable(ctx context.Context, db *sqlx.DB, name string) (string, error) {
	var sv StatusVariable
	err := db.GetContext(ctx, &sv, "SHOW STATUS LIKE ?", name)
	if err != nil {
		return "", err
	}
	return sv.Value, nil
}

// PermissionProbeQuery is the module-supplied query run once at monitor
// start to distinguish a fully-usable account from one lacking specific
// grants. It must be a harmless read.
type PermissionProbeQuery string

// RunPermissionProbe executes query and returns its error, if any, as is.
// It does not classify the failure: callers use IsAccessDenied (fatal) and
// IsQueryPermissionDenied (non-fatal) to tell the outcomes apart, and
// decide how to log any other error.
func RunPermissionProbe(ctx context.Context, db *sqlx.DB, query PermissionProbeQuery) error {
	if query == "" {
		return nil
	}
	rows, err := db.QueryContext(ctx, string(query))
	if err != nil {
		return err
	}
	return rows.Close()
}

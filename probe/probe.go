// Package probe implements the ping-or-connect pipeline the monitor worker
// runs against each backend once per tick.
package probe

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signal18/monitorcore/crypto"
	"github.com/signal18/monitorcore/dbhelper"
	"github.com/signal18/monitorcore/diskspace"
	"github.com/signal18/monitorcore/status"
)

// Server is the external identity of one monitored backend: stable name,
// network address, optional per-server credential override, optional
// per-mount disk-space limits, and the 64-bit status word external readers
// (the routing layer) load without locking.
type Server struct {
	Name    string
	Address string
	Port    string

	// User/EncryptedPassword override the monitor default when User is
	// non-empty.
	User              string
	EncryptedPassword crypto.Password

	DiskLimits []diskspace.Limit

	statusWord uint64
}

// Status loads the current status word with acquire semantics, safe to call
// from any goroutine without additional locking.
func (s *Server) Status() status.Status {
	return status.Status(atomic.LoadUint64(&s.statusWord))
}

// SetStatus publishes a new status word with release semantics.
func (s *Server) SetStatus(v status.Status) {
	atomic.StoreUint64(&s.statusWord, uint64(v))
}

// StatusPtr exposes the raw word for the admin-mailbox not-running path,
// which needs a *uint64 to compare-and-swap against directly.
func (s *Server) StatusPtr() *uint64 {
	return &s.statusWord
}

// Result is the outcome of one PingOrConnect attempt.
type Result int

const (
	ExistingOK Result = iota
	NewConnOK
	Timeout
	Refused
)

func (r Result) String() string {
	switch r {
	case ExistingOK:
		return "EXISTING_OK"
	case NewConnOK:
		return "NEWCONN_OK"
	case Timeout:
		return "TIMEOUT"
	case Refused:
		return "REFUSED"
	default:
		return "UNKNOWN"
	}
}

// Credentials are the effective user/password to probe with, already
// resolved (per-server override applied if set) but not yet decrypted.
type Credentials struct {
	User          string
	EncryptedPass crypto.Password
}

// Settings bundles connection parameters for one probe attempt.
type Settings struct {
	Host            string
	Port            string
	Creds           Credentials
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ConnectAttempts int
}

// PingOrConnect implements §4.3's ConnectionProbe: if handle is non-nil and
// still open, a ping shortcuts to ExistingOK; a failed ping closes it. A
// nil or closed handle (or a failed ping) triggers up to
// settings.ConnectAttempts fresh connection attempts. The returned *sqlx.DB
// is the live handle to keep using; callers must Close it themselves when
// finished with the server for good.
func PingOrConnect(ctx context.Context, handle *sqlx.DB, s Settings) (*sqlx.DB, Result, error) {
	if handle != nil {
		// A zero ReadTimeout bounds the ping by ctx alone.
		pingCtx, cancel := ctx, func() {}
		if s.ReadTimeout > 0 {
			pingCtx, cancel = context.WithTimeout(ctx, s.ReadTimeout)
		}
		err := dbhelper.Ping(pingCtx, handle)
		cancel()
		if err == nil {
			return handle, ExistingOK, nil
		}
		handle.Close()
	}

	plaintext, err := s.Creds.EncryptedPass.DecryptBytes()
	if err != nil {
		return nil, Refused, err
	}
	defer crypto.Zero(plaintext)

	connSettings := dbhelper.ConnectionSettings{
		User:           s.Creds.User,
		Password:       string(plaintext),
		Host:           s.Host,
		Port:           s.Port,
		ConnectTimeout: s.ConnectTimeout,
		ReadTimeout:    s.ReadTimeout,
		WriteTimeout:   s.WriteTimeout,
	}

	attempts := s.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		started := time.Now()
		db, err := dbhelper.Connect(connSettings)
		if err == nil {
			return db, NewConnOK, nil
		}
		lastErr = err
		if i == attempts-1 && time.Since(started) >= s.ConnectTimeout {
			return nil, Timeout, lastErr
		}
	}
	return nil, Refused, lastErr
}

package sqlclient

import (
	"github.com/pingcap/errors"
	"github.com/tidb-incubator/sqlbridge/pkg/backend"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"github.com/tidb-incubator/sqlbridge/pkg/dict"
	"github.com/tidb-incubator/sqlbridge/pkg/util/logging"
	"go.uber.org/zap"
)

// Driver owns the server session and the statement dictionary for one
// connection: lazy one-shot open, lazy dictionary load, the auto-commit
// flag, and the prepared-statement reuse search.
type Driver struct {
	conn      *Connection
	cfg       *config.Connection
	connector backend.Connector
	store     dict.Store

	db         backend.Conn
	dictionary *dict.Dictionary
	dictErr    error
	dictLoaded bool
	autoCommit bool
	open       bool

	logger *zap.Logger
}

func newDriver(conn *Connection, cfg *config.Connection, connector backend.Connector, store dict.Store) *Driver {
	return &Driver{
		conn:       conn,
		cfg:        cfg,
		connector:  connector,
		store:      store,
		autoCommit: true,
		logger:     logging.L().With(zap.String("conn", cfg.Name)),
	}
}

// Statements loads and parses the statement dictionary the first time it
// is asked; later calls return the cached document. A load or parse error
// poisons the dictionary.
func (d *Driver) Statements() (*dict.Dictionary, error) {
	if d.dictLoaded {
		return d.dictionary, d.dictErr
	}
	d.dictLoaded = true

	d.logger.Info("loading SQL dictionary", zap.String("path", d.cfg.StatementPath))
	data, err := d.store.Fetch()
	if err != nil {
		d.dictErr = errors.WithMessage(err, "loading statement dictionary")
		d.logger.Error("loading statement dictionary", zap.Error(err))
		return nil, d.dictErr
	}
	dictionary, err := dict.Parse(data)
	if err != nil {
		d.dictErr = err
		d.logger.Error("parsing statement dictionary",
			zap.String("path", d.cfg.StatementPath), zap.Error(err))
		return nil, d.dictErr
	}
	d.dictionary = dictionary
	return d.dictionary, nil
}

// DB opens the server session on first use; idempotent after success.
func (d *Driver) DB() (backend.Conn, error) {
	if d.db != nil {
		return d.db, nil
	}
	d.logger.Info("opening server session",
		zap.String("database", d.cfg.DatabaseName),
		zap.String("user", d.cfg.User),
		zap.String("addr", backend.Addr(d.cfg)),
		zap.Bool("async", d.cfg.Async))
	db, err := d.connector.Connect(d.cfg)
	if err != nil {
		return nil, err
	}
	d.db = db
	d.open = true
	if err := d.SetAutoCommit(true); err != nil {
		return nil, err
	}
	return d.db, nil
}

// IsOpen reports whether the session has been opened and not yet closed.
func (d *Driver) IsOpen() bool {
	return d.open
}

// IsAutoCommit returns the local auto-commit flag.
func (d *Driver) IsAutoCommit() bool {
	return d.autoCommit
}

// SetAutoCommit toggles auto-commit on the server and mirrors the flag
// locally.
func (d *Driver) SetAutoCommit(autoCommit bool) error {
	db, err := d.DB()
	if err != nil {
		return err
	}
	if err := db.SetAutoCommit(autoCommit); err != nil {
		return err
	}
	d.autoCommit = autoCommit
	return nil
}

// Commit commits the open transaction and re-enables auto-commit.
func (d *Driver) Commit() error {
	d.logger.Debug("committing transaction")
	if d.db == nil {
		return errors.WithMessage(ErrNoConnection, "commit called with no server connection")
	}
	if d.autoCommit {
		return errors.WithMessage(ErrNoTransaction, "commit called with no transaction in progress")
	}
	err := d.db.Commit()
	if acErr := d.SetAutoCommit(true); err == nil {
		err = acErr
	}
	return err
}

// Rollback rolls back the open transaction and re-enables auto-commit.
// A no-op when there is no session or no transaction.
func (d *Driver) Rollback() error {
	if d.db == nil || d.autoCommit {
		return nil
	}
	err := d.db.Rollback()
	if acErr := d.SetAutoCommit(true); err == nil {
		err = acErr
	}
	return err
}

// FindLivePriorExecution scans the connection's executions newest-first
// for one whose prepared statement can serve the given execution: same
// name, identical generated text, same auto-commit snapshot, and a
// still-live server handle.
func (d *Driver) FindLivePriorExecution(e *Execution) *Execution {
	return d.conn.findLivePriorExecution(e)
}

// Close rolls back any open transaction and closes the server session.
// Idempotent.
func (d *Driver) Close() {
	if d.db == nil {
		d.open = false
		return
	}
	if err := d.Rollback(); err != nil {
		d.logger.Warn("rollback on close", zap.Error(err))
	}
	if err := d.db.Close(); err != nil {
		d.logger.Warn("closing server session", zap.Error(err))
	} else {
		d.logger.Info("closed server session", zap.String("database", d.cfg.DatabaseName))
	}
	d.db = nil
	d.open = false
}

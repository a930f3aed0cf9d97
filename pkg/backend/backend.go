package backend

import (
	"github.com/siddontang/go-mysql/mysql"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
)

// Connector opens server sessions. The production implementation speaks
// the MySQL binary protocol; tests substitute their own.
type Connector interface {
	Connect(cfg *config.Connection) (Conn, error)
}

// Conn is the interface the core consumes from the native client. It is a
// single-threaded session: one owner at a time.
type Conn interface {
	Ping() error
	UseDB(dbName string) error
	Execute(command string, args ...interface{}) (*mysql.Result, error)
	Prepare(query string) (Stmt, error)
	Begin() error
	Commit() error
	Rollback() error
	SetAutoCommit(autoCommit bool) error
	FieldList(table string, wildcard string) ([]*mysql.Field, error)
	GetConnectionID() uint32
	Close() error
}

// Stmt is a server-side prepared statement.
type Stmt interface {
	ParamNum() int
	ColumnNum() int
	Execute(args ...interface{}) (*mysql.Result, error)
	Close() error
}

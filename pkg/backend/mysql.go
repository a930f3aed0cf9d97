package backend

import (
	"fmt"

	"github.com/pingcap/errors"
	"github.com/siddontang/go-mysql/client"
	"github.com/siddontang/go-mysql/mysql"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
)

const defaultPort = 3306

// MySQLConnector connects with the go-mysql native client.
type MySQLConnector struct{}

func NewMySQLConnector() *MySQLConnector {
	return &MySQLConnector{}
}

func (c *MySQLConnector) Connect(cfg *config.Connection) (Conn, error) {
	conn, err := client.Connect(Addr(cfg), cfg.User, cfg.Password, cfg.DatabaseName)
	if err != nil {
		return nil, errors.WithMessage(err, fmt.Sprintf("connect to %s error", Addr(cfg)))
	}
	return &mysqlConn{Conn: conn}, nil
}

// Addr renders the dial address: the unix socket when one is configured,
// host:port otherwise.
func Addr(cfg *config.Connection) string {
	if cfg.Socket != "" {
		return cfg.Socket
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", cfg.Host, port)
}

type mysqlConn struct {
	*client.Conn
}

func (c *mysqlConn) Prepare(query string) (Stmt, error) {
	stmt, err := c.Conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &mysqlStmt{stmt: stmt}, nil
}

// The native client only toggles autocommit on; turning it off is a plain
// server command.
func (c *mysqlConn) SetAutoCommit(autoCommit bool) error {
	if autoCommit {
		return c.Conn.SetAutoCommit()
	}
	_, err := c.Conn.Execute("SET autocommit = 0")
	return err
}

type mysqlStmt struct {
	stmt *client.Stmt
}

func (s *mysqlStmt) ParamNum() int {
	return s.stmt.ParamNum()
}

func (s *mysqlStmt) ColumnNum() int {
	return s.stmt.ColumnNum()
}

func (s *mysqlStmt) Execute(args ...interface{}) (*mysql.Result, error) {
	return s.stmt.Execute(args...)
}

func (s *mysqlStmt) Close() error {
	return s.stmt.Close()
}

// ErrorCode extracts the server error number and message from a client
// error. Non-server errors report code 1 so callers still see a failure.
func ErrorCode(err error) (int, string) {
	if myErr, ok := errors.Cause(err).(*mysql.MyError); ok {
		return int(myErr.Code), myErr.Message
	}
	return 1, err.Error()
}

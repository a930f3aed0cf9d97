package sqlclient

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pingcap/errors"
	"github.com/tidb-incubator/sqlbridge/pkg/backend"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"github.com/tidb-incubator/sqlbridge/pkg/dict"
	"github.com/tidb-incubator/sqlbridge/pkg/metrics"
	"github.com/tidb-incubator/sqlbridge/pkg/util/logging"
	"go.uber.org/zap"
)

// Connection is the public surface of the framework. It owns a Driver, an
// optional Worker for async mode, the observer chain, and the growing list
// of live executions. It is a single-owner object: not safe for concurrent
// callers.
type Connection struct {
	name      string
	cfg       *config.Connection
	connector backend.Connector
	driver    *Driver
	worker    *Worker

	// set by WithDictStore before the driver is built
	driverStoreOverride dict.Store

	// appended by the caller, scanned by the worker during the reuse
	// search
	executionsMu sync.Mutex
	executions   []*Execution

	observers []Observer

	programs        []string
	transactionName string
	transactions    bool
	async           bool

	errorNo      int
	errorMessage string
	errorHandle  Handle

	logger *zap.Logger
}

// Option customizes connection construction; tests substitute their own
// backend connector and dictionary store.
type Option func(*Connection)

func WithConnector(connector backend.Connector) Option {
	return func(c *Connection) { c.connector = connector }
}

func WithDictStore(store dict.Store) Option {
	return func(c *Connection) { c.driverStoreOverride = store }
}

// NewConnection builds a connection from configuration. In async mode the
// worker is started immediately; the server session itself opens lazily on
// first use.
func NewConnection(cfg *config.Connection, opts ...Option) (*Connection, error) {
	c := &Connection{
		name:         cfg.Name,
		cfg:          cfg,
		transactions: true,
		async:        cfg.Async,
		logger:       logging.L().With(zap.String("conn", cfg.Name)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.connector == nil {
		c.connector = backend.NewMySQLConnector()
	}
	store := c.driverStoreOverride
	if store == nil {
		var err error
		store, err = dict.CreateStore(cfg)
		if err != nil {
			return nil, err
		}
	}
	c.driver = newDriver(c, cfg, c.connector, store)
	if c.async {
		c.worker = newWorker(c)
		c.worker.Start()
	}
	return c, nil
}

// Name returns the connection name used in logs and metrics.
func (c *Connection) Name() string { return c.name }

// IsAsync reports whether server I/O runs on the worker.
func (c *Connection) IsAsync() bool { return c.async }

// Statements exposes the lazily loaded statement dictionary.
func (c *Connection) Statements() (*dict.Dictionary, error) {
	return c.driver.Statements()
}

// Execute runs the named statement with ordered name/value parameters and
// returns its handle immediately in async mode. A handle is returned even
// on prepare-side failure; the next ReturnCode call reports it.
func (c *Connection) Execute(statementName string, params ...Param) Handle {
	return c.doExecute(newExecution(statementName, "", params, nil, c))
}

// ExecuteComment is Execute with a comment carried into the execution's
// serialized record and audit row.
func (c *Connection) ExecuteComment(statementName, comment string, params ...Param) Handle {
	return c.doExecute(newExecution(statementName, comment, params, nil, c))
}

// ExecuteJSON runs the named statement with values supplied as a
// name→value document, optionally followed by ordered parameters.
func (c *Connection) ExecuteJSON(statementName string, values map[string]interface{}, params ...Param) Handle {
	return c.doExecute(newExecution(statementName, "", params, values, c))
}

// doExecute drives the prepare side on the caller, then either completes
// synchronously or hands the execution to the worker.
func (c *Connection) doExecute(e *Execution) Handle {
	c.executionsMu.Lock()
	c.executions = append(c.executions, e)
	c.executionsMu.Unlock()
	metrics.LiveExecutionGauge.WithLabelValues(c.name).Inc()

	if rc := e.prepareToExecute(); rc != 0 {
		return e.handle
	}
	if c.async {
		e.requestSequence = c.worker.PutExecution(e)
	} else {
		e.execute()
	}
	return e.handle
}

// completedExecution finds the execution and, in async mode, blocks until
// its request sequence has completed.
func (c *Connection) completedExecution(xh Handle) *Execution {
	e := c.findExecution(xh)
	if e == nil {
		return nil
	}
	if c.async && e.requestSequence != 0 && !c.worker.IsCompleted(e.requestSequence) {
		c.worker.WaitForRequest(e.requestSequence)
	}
	return e
}

// findExecution looks up an execution by handle; handle 0 means the most
// recently created.
func (c *Connection) findExecution(xh Handle) *Execution {
	c.executionsMu.Lock()
	defer c.executionsMu.Unlock()
	if len(c.executions) == 0 {
		return nil
	}
	if xh == 0 {
		return c.executions[len(c.executions)-1]
	}
	for _, e := range c.executions {
		if e.handle == xh {
			return e
		}
	}
	return nil
}

// findLivePriorExecution scans newest-first for a live prepared statement
// that can serve the given execution.
func (c *Connection) findLivePriorExecution(e *Execution) *Execution {
	c.executionsMu.Lock()
	defer c.executionsMu.Unlock()
	for i := len(c.executions) - 1; i >= 0; i-- {
		prior := c.executions[i]
		if prior.stmt != nil && e.isSameStatementAs(prior) {
			return prior
		}
	}
	return nil
}

func optionalHandle(xh []Handle) Handle {
	if len(xh) > 0 {
		return xh[0]
	}
	return 0
}

// ReturnCode returns the execution's return code, blocking in async mode
// until it completes. Omitting the handle means the latest execution.
func (c *Connection) ReturnCode(xh ...Handle) int {
	e := c.completedExecution(optionalHandle(xh))
	if e == nil {
		return -1
	}
	c.logger.Debug("return code", zap.Int64("execution", int64(e.handle)), zap.Int("rc", e.rc))
	return e.rc
}

// Results returns the execution's results document.
func (c *Connection) Results(xh ...Handle) *Results {
	e := c.completedExecution(optionalHandle(xh))
	if e == nil {
		return nil
	}
	return e.results
}

// RowCount returns the number of rows the execution retrieved.
func (c *Connection) RowCount(xh ...Handle) int {
	e := c.completedExecution(optionalHandle(xh))
	if e == nil {
		return 0
	}
	return e.rowCount
}

// RowsAffected returns the execution's affected-row count.
func (c *Connection) RowsAffected(xh ...Handle) int {
	e := c.completedExecution(optionalHandle(xh))
	if e == nil {
		return 0
	}
	return e.rowsAffected
}

// AssertRowsReturned fails the execution when the retrieved row count
// differs from the expectation. Before inserting a row, select its key and
// assert zero rows; before updating, assert one.
func (c *Connection) AssertRowsReturned(expected int, xh ...Handle) bool {
	e := c.completedExecution(optionalHandle(xh))
	if e == nil {
		return false
	}
	if e.rowCount == expected {
		return true
	}
	c.reportError(fmt.Sprintf("%s returned %d %s. %d expected",
		e.String(), e.rowCount, rowWord(e.rowCount), expected), 1, e.handle)
	return false
}

// AssertRowsAffected fails the execution when an INSERT, UPDATE or DELETE
// did not make the expected change.
func (c *Connection) AssertRowsAffected(expected int, xh ...Handle) bool {
	e := c.completedExecution(optionalHandle(xh))
	if e == nil {
		return false
	}
	if e.rowsAffected == expected {
		return true
	}
	c.reportError(fmt.Sprintf("%s affected %d %s. %d expected",
		e.String(), e.rowsAffected, rowWord(e.rowsAffected), expected), 1, e.handle)
	return false
}

func rowWord(n int) string {
	if n == 1 {
		return "row"
	}
	return "rows"
}

// SetTransactions disables or re-enables transaction handling. The replay
// observer sets the connection transaction-less: replayed programs never
// touch the server.
func (c *Connection) SetTransactions(transactions bool) {
	c.transactions = transactions
}

// IsTransactions reports whether transaction handling is enabled.
func (c *Connection) IsTransactions() bool { return c.transactions }

// CurrentTransaction returns the open transaction's name, empty when none.
func (c *Connection) CurrentTransaction() string { return c.transactionName }

// StartTransaction disables auto-commit and opens a named transaction.
// Nested starts are rejected. In async mode all in-flight executions are
// flushed first.
func (c *Connection) StartTransaction(transactionName string) error {
	if !c.transactions {
		return nil
	}
	if c.async {
		c.flush(StartTransactionRequest, 0, transactionName)
	}
	c.logger.Info("starting transaction", zap.String("transaction", transactionName))

	if !c.driver.IsAutoCommit() {
		msg := fmt.Sprintf("attempt to start transaction %s while %s in progress",
			transactionName, c.transactionName)
		c.reportError(msg, 1, 0)
		return errors.WithMessage(ErrNestedTransaction, msg)
	}
	if err := c.driver.SetAutoCommit(false); err != nil {
		code, msg := backend.ErrorCode(err)
		c.reportError(fmt.Sprintf("starting transaction %s: %s", transactionName, msg), code, 0)
		return err
	}
	c.transactionName = transactionName
	return nil
}

// CommitTransaction commits the open transaction and re-enables
// auto-commit.
func (c *Connection) CommitTransaction() error {
	if !c.transactions {
		return nil
	}
	if c.async {
		c.flush(CommitTransactionRequest, 0, "")
	}
	if c.driver.IsAutoCommit() {
		msg := "commit called with no transaction in progress"
		c.reportError(msg, 1, 0)
		return errors.WithMessage(ErrNoTransaction, msg)
	}
	if err := c.driver.Commit(); err != nil {
		code, msg := backend.ErrorCode(err)
		c.reportError(fmt.Sprintf("committing transaction: %s", msg), code, 0)
		return err
	}
	c.logger.Info("committed transaction", zap.String("transaction", c.transactionName))
	c.notifyAudit(AuditCommit, c.transactionName)
	c.transactionName = ""
	return nil
}

// RollbackTransaction rolls back the open transaction, logging the reason.
// A no-op when no transaction is open.
func (c *Connection) RollbackTransaction(reason string) error {
	return c.rollbackWith(reason, true)
}

// rollbackWith is the shared rollback path. Error reporting from the
// worker goroutine must not flush: the worker cannot wait on itself.
func (c *Connection) rollbackWith(reason string, flush bool) error {
	if !c.transactions {
		return nil
	}
	if c.driver.IsAutoCommit() {
		return nil
	}
	if c.async && flush {
		c.flush(RollbackTransactionRequest, 0, reason)
	}
	if err := c.driver.Rollback(); err != nil {
		code, msg := backend.ErrorCode(err)
		c.logger.Error("rolling back transaction", zap.String("error", msg), zap.Int("code", code))
		return err
	}
	c.logger.Info("rolled back transaction",
		zap.String("transaction", c.transactionName), zap.String("reason", reason))
	c.notifyAudit(AuditRollback, reason)
	c.transactionName = ""
	return nil
}

// StartProgram opens a named scope bracketing a sequence of executions for
// the benefit of the observers.
func (c *Connection) StartProgram(programName string) {
	if c.async {
		c.flush(StartProgramRequest, 0, programName)
	}
	c.programs = append(c.programs, programName)
	for _, observer := range c.observers {
		observer.StartProgram(programName)
	}
}

// EndProgram closes the named scope.
func (c *Connection) EndProgram(programName string) {
	if c.async {
		c.flush(EndProgramRequest, 0, programName)
	}
	for _, observer := range c.observers {
		observer.EndProgram(programName)
	}
	if len(c.programs) > 0 {
		c.programs = c.programs[:len(c.programs)-1]
	}
}

// CurrentProgram returns the current program scope, inner scopes joined
// with dots.
func (c *Connection) CurrentProgram() string {
	return strings.Join(c.programs, ".")
}

// flush queues a barrier request and waits for it: on return, all prior
// executions are complete server-side.
func (c *Connection) flush(requestType RequestType, intParam int64, strParam string) Request {
	sequence := c.worker.PutRequest(requestType, intParam, strParam)
	return c.worker.WaitForRequest(sequence)
}

// AddObserver appends an observer to the chain. Observer names are unique
// per connection.
func (c *Connection) AddObserver(name string, observerType ObserverType, params *config.ObserverParams) error {
	for _, observer := range c.observers {
		if observer.Name() == name {
			return errors.WithMessage(ErrDuplicatedObserver, name)
		}
	}
	observer, err := NewObserver(name, observerType, params, c)
	if err != nil {
		return err
	}
	c.observers = append(c.observers, observer)
	return nil
}

// RemoveObserver detaches the named observer.
func (c *Connection) RemoveObserver(name string) {
	for i, observer := range c.observers {
		if observer.Name() == name {
			observer.Close()
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

// IsReplay reports whether a replay observer is attached; auditing is
// suppressed in that case.
func (c *Connection) IsReplay() bool {
	for _, observer := range c.observers {
		if observer.Type() == ObserverReplay {
			return true
		}
	}
	return false
}

func (c *Connection) notifyAudit(event AuditEvent, comment string) {
	for _, observer := range c.observers {
		observer.OnAudit(event, comment, nil)
	}
}

// ReportError records the error as the connection's current error, logs
// it, and rolls back any open transaction with the message as the reason.
// This is the at-most-one-partial-write guarantee: any error at or after
// StartTransaction erases all work inside that transaction.
func (c *Connection) ReportError(errorMessage string, errorNo int, xh Handle) int {
	return c.reportError(errorMessage, errorNo, xh)
}

func (c *Connection) reportError(errorMessage string, errorNo int, xh Handle) int {
	c.errorNo = errorNo
	c.errorMessage = errorMessage
	c.errorHandle = xh
	c.logger.Error(errorMessage)

	if err := c.rollbackWith(errorMessage, true); err != nil {
		c.logger.Error("automatic rollback failed", zap.Error(err))
	}
	return errorNo
}

// reportErrorFrom is the propagation path from a failing execution. An
// error raised on the worker goroutine rolls back without flushing: the
// worker cannot wait on itself, and the queue ahead of it is already
// drained.
func (c *Connection) reportErrorFrom(errorMessage string, errorNo int, e *Execution) int {
	c.errorNo = errorNo
	c.errorMessage = errorMessage
	c.errorHandle = e.handle
	c.logger.Error(errorMessage)

	if err := c.rollbackWith(errorMessage, e.requestSequence == 0); err != nil {
		c.logger.Error("automatic rollback failed", zap.Error(err))
	}
	return errorNo
}

// ErrorNo returns the connection's most recent error number.
func (c *Connection) ErrorNo() int { return c.errorNo }

// ErrorMessage returns the connection's most recent error message.
func (c *Connection) ErrorMessage() string { return c.errorMessage }

// ErrorExecution returns the execution that reported the current error,
// nil when the error was not tied to one.
func (c *Connection) ErrorExecution() *Execution {
	if c.errorHandle == 0 {
		return nil
	}
	return c.findExecution(c.errorHandle)
}

func (c *Connection) clearError() {
	c.errorNo = 0
	c.errorMessage = ""
	c.errorHandle = 0
}

// ExecutionRecords returns the serialized form of every completed
// execution, oldest first.
func (c *Connection) ExecutionRecords() []*Record {
	c.executionsMu.Lock()
	defer c.executionsMu.Unlock()
	records := make([]*Record, 0, len(c.executions))
	for _, e := range c.executions {
		if e.state.IsTerminal() && e.state != StateNone {
			records = append(records, e.buildRecord(e.state))
		}
	}
	return records
}

// Open eagerly opens the server session, which otherwise opens lazily on
// first execute.
func (c *Connection) Open() error {
	_, err := c.driver.DB()
	return err
}

// IsOpen reports whether the server session is open.
func (c *Connection) IsOpen() bool {
	return c.driver.IsOpen()
}

// Close kills the worker, detaches observers, and closes the driver,
// rolling back any open transaction.
func (c *Connection) Close() {
	if c.worker != nil {
		c.worker.Kill()
	}
	for _, observer := range c.observers {
		observer.Close()
	}
	c.observers = nil
	c.driver.Close()
}

package sqlclient

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/siddontang/go-mysql/mysql"
	"github.com/tidb-incubator/sqlbridge/pkg/backend"
	"github.com/tidb-incubator/sqlbridge/pkg/dict"
	"github.com/tidb-incubator/sqlbridge/pkg/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Handle identifies an execution within its process.
type Handle int64

// ExecutionState is the position of an execution in its state machine.
// The numeric values are stable: they appear in captured program files.
type ExecutionState int

const (
	StateNone ExecutionState = iota
	StateInitial
	StateStatementValid
	StateSettingsCreated
	StateSQLGenerated
	StateServerStmtCreated
	StateBindingsPrepared
	StateStatementPrepared
	StateExecutionComplete
	StateResultsRetrieved
	StateStatementComplete
	StateError
)

var stateNames = map[ExecutionState]string{
	StateNone:              "NONE",
	StateInitial:           "INITIAL",
	StateStatementValid:    "STATEMENT_VALID",
	StateSettingsCreated:   "SETTINGS_CREATED",
	StateSQLGenerated:      "SQL_GENERATED",
	StateServerStmtCreated: "SERVER_STMT_CREATED",
	StateBindingsPrepared:  "BINDINGS_PREPARED",
	StateStatementPrepared: "STATEMENT_PREPARED",
	StateExecutionComplete: "EXECUTION_COMPLETE",
	StateResultsRetrieved:  "RESULTS_RETRIEVED",
	StateStatementComplete: "STATEMENT_COMPLETE",
	StateError:             "ERROR",
}

func (s ExecutionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// IsTerminal reports whether the crank loop has no transition out of s.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateNone, StateResultsRetrieved, StateStatementComplete, StateError:
		return true
	default:
		return false
	}
}

var nextExecutionHandle = atomic.NewInt64(0)

// An Execution runs one named statement through the state machine: it
// validates the dictionary entry, assembles parameter settings, generates
// the SQL text, prepares and binds on the server, executes, and retrieves
// typed results into a structured document. It is owned by its Connection
// until the connection closes.
type Execution struct {
	handle          Handle
	requestSequence int64
	statementName   string
	comment         string
	params          []Param
	paramDoc        map[string]interface{}
	isAutoCommit    bool
	state           ExecutionState
	rc              int
	errorNo         int
	errorMessage    string

	settings   Settings
	stmt       backend.Stmt
	paramCount int
	paramBinds []paramBind
	paramBuf   []byte
	execArgs   []interface{}

	statementText string
	result        *mysql.Result
	colBinds      []colBind
	rowBuf        []byte
	blobBuf       []byte
	results       *Results
	rowCount      int
	rowsAffected  int

	record *Record

	conn   *Connection
	driver *Driver
	logger *zap.Logger

	startTime    time.Time
	executeTime  time.Time
	retrieveTime time.Time
	completeTime time.Time
}

func newExecution(statementName, comment string, params []Param, paramDoc map[string]interface{}, conn *Connection) *Execution {
	e := &Execution{
		handle:        Handle(nextExecutionHandle.Add(1)),
		statementName: statementName,
		comment:       comment,
		params:        params,
		paramDoc:      paramDoc,
		isAutoCommit:  conn.driver.IsAutoCommit(),
		rc:            -1,
		conn:          conn,
		driver:        conn.driver,
	}
	e.logger = conn.logger.With(zap.Int64("execution", int64(e.handle)))
	e.logger.Debug("creating execution")
	return e
}

// Handle returns the process-unique execution handle.
func (e *Execution) Handle() Handle { return e.handle }

// State returns the current state.
func (e *Execution) State() ExecutionState { return e.state }

// ReturnCode returns the execution's return code: 0 on success, the error
// number otherwise.
func (e *Execution) ReturnCode() int { return e.rc }

// ErrorNo returns the numeric error code, 0 when no error occurred.
func (e *Execution) ErrorNo() int { return e.errorNo }

// ErrorMessage returns the human-readable error description.
func (e *Execution) ErrorMessage() string { return e.errorMessage }

// StatementName returns the dictionary name this execution runs.
func (e *Execution) StatementName() string { return e.statementName }

// StatementText returns the generated SQL text (post-substitution).
func (e *Execution) StatementText() string { return e.statementText }

// Settings returns the merged parameter settings.
func (e *Execution) Settings() Settings { return e.settings }

// Results returns the retrieved results document, nil when the statement
// returned no result set.
func (e *Execution) Results() *Results { return e.results }

// RowCount returns the number of rows retrieved.
func (e *Execution) RowCount() int { return e.rowCount }

// RowsAffected returns the server-reported affected row count.
func (e *Execution) RowsAffected() int { return e.rowsAffected }

// RequestSequence returns the worker sequence, 0 in sync mode.
func (e *Execution) RequestSequence() int64 { return e.requestSequence }

// prepareToExecute runs the client-local side of the state machine, up to
// the point where the server is needed.
func (e *Execution) prepareToExecute() int {
	e.state = StateInitial
	e.rowCount = 0
	e.rowsAffected = 0
	e.conn.clearError()
	e.startTime = time.Now()
	return e.crank(StateSQLGenerated)
}

// execute runs the server-facing tail to completion and releases the
// result metadata, keeping the statement handle for reuse.
func (e *Execution) execute() int {
	span := opentracing.StartSpan("execution.execute")
	defer span.Finish()

	rc := e.crank(StateNone)
	e.close(true)
	return rc
}

// crank looks up the transition for the current state and runs it, until a
// transition fails, a terminal state is reached, or the state matches the
// caller's exit state.
func (e *Execution) crank(exitState ExecutionState) int {
	rc := 0
loop:
	for {
		if e.state == exitState {
			break
		}
		switch e.state {
		case StateInitial:
			rc = e.validateStatement()
		case StateStatementValid:
			rc = e.createSettings()
		case StateSettingsCreated:
			rc = e.generateStatementText()
		case StateSQLGenerated:
			rc = e.createServerStatement()
		case StateServerStmtCreated:
			rc = e.prepareToBind()
		case StateBindingsPrepared:
			rc = e.bindParameters()
		case StateStatementPrepared:
			rc = e.executeStatement()
		case StateExecutionComplete:
			rc = e.retrieveResults()
		default:
			break loop
		}
		if rc != 0 {
			break
		}
	}
	e.rc = rc
	return rc
}

// validateStatement checks the statement dictionary for the named entry.
func (e *Execution) validateStatement() int {
	e.logger.Debug("executing", zap.String("statement", e.statementName))

	dictionary, err := e.driver.Statements()
	if err != nil {
		return e.reportError(fmt.Sprintf("internal error: statement dictionary corrupt: %v", err), 1)
	}
	if dictionary.Get(e.statementName) == nil {
		return e.reportError(fmt.Sprintf("unknown statement '%s'", e.statementName), 1)
	}
	return e.changeState(StateStatementValid)
}

// createSettings merges the parameter declarations with the caller's
// values. Values come either from the ordered Param list or from a
// name→value document; both are consumed in declaration order.
func (e *Execution) createSettings() int {
	dictionary, _ := e.driver.Statements()
	statement := dictionary.Get(e.statementName)

	hasArgs := len(e.params) > 0 || len(e.paramDoc) > 0
	if len(statement.Parameters) == 0 {
		if hasArgs {
			return e.reportError(fmt.Sprintf(
				"arguments passed for statement '%s' which takes no arguments", e.statementName), 1)
		}
		return e.changeState(StateSettingsCreated)
	}
	if !hasArgs {
		return e.reportError(fmt.Sprintf("no arguments passed for statement '%s'", e.statementName), 1)
	}

	e.settings = make(Settings, 0, len(statement.Parameters))
	for _, parameter := range statement.Parameters {
		if parameter.ParamType == "" {
			return e.reportError(fmt.Sprintf(
				"param_type missing in definition of parameter %s for statement '%s'",
				parameter.Name, e.statementName), 1)
		}
		paramType, err := parameter.ParamTypeCode()
		if err != nil {
			return e.reportError(fmt.Sprintf(
				"unknown parameter type '%s' in parameter %s for statement %s",
				parameter.ParamType, parameter.Name, e.statementName), 1)
		}
		if parameter.DataType == "" {
			return e.reportError(fmt.Sprintf(
				"data_type missing in definition of parameter %s for statement %s",
				parameter.Name, e.statementName), 1)
		}
		dataType, err := parameter.DataTypeCode()
		if err != nil {
			return e.reportError(fmt.Sprintf(
				"unsupported parameter datatype '%s' in parameter %s for statement %s",
				parameter.DataType, parameter.Name, e.statementName), 1)
		}
		e.settings = append(e.settings, &Setting{
			Name:      parameter.Name,
			ParamType: paramType,
			DataType:  dataType,
		})
	}

	if e.paramDoc != nil {
		// consume document values in declaration order; leftover names
		// are unknown parameters
		assigned := 0
		for _, setting := range e.settings {
			value, ok := e.paramDoc[setting.Name]
			if !ok {
				continue
			}
			if rc := e.assignValue(setting, value); rc != 0 {
				return rc
			}
			assigned++
		}
		if assigned != len(e.paramDoc) {
			for name := range e.paramDoc {
				if e.settings.find(name) == nil {
					return e.reportError(fmt.Sprintf(
						"unknown parameter '%s' for statement %s", name, e.statementName), 1)
				}
			}
		}
	}
	for _, param := range e.params {
		setting := e.settings.find(param.Name)
		if setting == nil {
			return e.reportError(fmt.Sprintf(
				"unknown parameter '%s' for statement %s", param.Name, e.statementName), 1)
		}
		if rc := e.assignValue(setting, param.Value); rc != 0 {
			return rc
		}
	}

	return e.changeState(StateSettingsCreated)
}

func (e *Execution) assignValue(setting *Setting, value interface{}) int {
	switch setting.DataType {
	case mysql.MYSQL_TYPE_LONG:
		v, ok := toIntValue(value)
		if !ok {
			return e.reportError(fmt.Sprintf(
				"parameter %s for statement %s must be an integer", setting.Name, e.statementName), 1)
		}
		setting.Value = v
	case mysql.MYSQL_TYPE_DOUBLE:
		v, ok := toFloatValue(value)
		if !ok {
			return e.reportError(fmt.Sprintf(
				"parameter %s for statement %s must be a double", setting.Name, e.statementName), 1)
		}
		setting.Value = v
	case mysql.MYSQL_TYPE_STRING:
		v, ok := toStringValue(value)
		if !ok {
			return e.reportError(fmt.Sprintf(
				"parameter %s for statement %s must be a string", setting.Name, e.statementName), 1)
		}
		setting.Value = v
	default: // temporal types
		v, ok := toStringValue(value)
		if !ok {
			return e.reportError(fmt.Sprintf(
				"parameter %s for statement %s must be a date/time string", setting.Name, e.statementName), 1)
		}
		if _, err := parseTimeString(v, setting.DataType); err != nil {
			return e.reportError(err.Error(), 1)
		}
		setting.Value = v
	}
	setting.HasValue = true
	return 0
}

// generateStatementText concatenates the dictionary text and splices in
// substitute parameter values. Marker parameters stay as ? placeholders.
func (e *Execution) generateStatementText() int {
	dictionary, _ := e.driver.Statements()
	statement := dictionary.Get(e.statementName)

	if len(statement.StatementText) == 0 {
		return e.reportError(fmt.Sprintf("no statement text supplied for statement %s", e.statementName), 1)
	}
	text := strings.Join(statement.StatementText, "")

	for _, setting := range e.settings {
		if setting.ParamType != dict.Substitute || !setting.HasValue {
			continue
		}
		value, ok := toStringValue(setting.Value)
		if !ok {
			value = fmt.Sprint(setting.Value)
		}
		pattern := regexp.MustCompile("@" + regexp.QuoteMeta(setting.Name))
		text = pattern.ReplaceAllLiteralString(text, value)
	}

	e.statementText = text
	e.logger.Info("preparing to execute", zap.Stringer("execution", e))
	return e.changeState(StateSQLGenerated)
}

// createServerStatement sends the text to the server for preparation, or
// salvages the handle of a live prior execution with identical text. The
// server's reported marker count must agree with the declarations.
func (e *Execution) createServerStatement() int {
	db, err := e.driver.DB()
	if err != nil {
		code, msg := backend.ErrorCode(err)
		return e.reportError(fmt.Sprintf("error connecting to server: %s", msg), code)
	}

	if prior := e.driver.FindLivePriorExecution(e); prior != nil {
		e.moveFrom(prior)
		e.logger.Debug("reusing prepared statement", zap.Int64("prior", int64(prior.handle)))
		metrics.StmtReuseCounter.WithLabelValues(e.conn.name, e.statementName).Inc()
		return e.changeState(StateServerStmtCreated)
	}

	stmt, err := db.Prepare(e.statementText)
	if err != nil {
		return e.reportServerError(fmt.Sprintf("preparing statement %s", e.statementName), err)
	}
	e.stmt = stmt
	e.paramCount = stmt.ParamNum()

	declaredMarkers := e.settings.markerCount()
	if e.paramCount == 0 && declaredMarkers > 0 {
		return e.reportError(fmt.Sprintf(
			"server found no parameters in statement %s but %s is declared as marker\n%s",
			e.statementName, e.settings.firstMarkerName(), e.statementText), 1)
	}
	if e.paramCount > 0 && declaredMarkers != e.paramCount {
		return e.reportError(fmt.Sprintf(
			"server expects %d parameters in statement %s but %d were passed",
			e.paramCount, e.statementName, declaredMarkers), 1)
	}
	return e.changeState(StateServerStmtCreated)
}

// prepareToBind allocates the parameter bind array and packed buffer:
// pass one sizes the buffer, pass two fills it.
func (e *Execution) prepareToBind() int {
	if e.paramCount > 0 {
		if e.paramBinds == nil || len(e.paramBinds) != e.paramCount {
			e.paramBinds = make([]paramBind, e.paramCount)
		} else {
			for i := range e.paramBinds {
				e.paramBinds[i] = paramBind{}
			}
		}
		e.paramBuf = nil

		bufferLen := 0
		i := 0
		for _, setting := range e.settings {
			if setting.ParamType != dict.Marker {
				continue
			}
			required, err := e.bindParameter(setting, &e.paramBinds[i], nil, 0)
			if err != nil {
				return e.reportError(err.Error(), 1)
			}
			bufferLen += required
			i++
		}

		e.paramBuf = make([]byte, bufferLen)
		writer := &bufferWriter{buf: e.paramBuf}
		offset := 0
		i = 0
		for _, setting := range e.settings {
			if setting.ParamType != dict.Marker {
				continue
			}
			written, err := e.bindParameter(setting, &e.paramBinds[i], writer, offset)
			if err != nil {
				return e.reportError(err.Error(), 1)
			}
			offset += written
			i++
		}
	}

	return e.changeState(StateBindingsPrepared)
}

// bindParameters materializes the bind array into the value list handed to
// the server at execute time.
func (e *Execution) bindParameters() int {
	e.execArgs = e.materializeArgs()
	return e.changeState(StateStatementPrepared)
}

// executeStatement runs the prepared statement. Statements that return no
// result set complete immediately with their affected-row count.
func (e *Execution) executeStatement() int {
	e.executeTime = time.Now()
	result, err := e.stmt.Execute(e.execArgs...)
	if err != nil {
		return e.reportServerError(fmt.Sprintf("executing statement %s", e.statementName), err)
	}
	e.rowsAffected = 0
	if result.Resultset == nil || len(result.Fields) == 0 {
		e.rowsAffected = int(result.AffectedRows)
		return e.changeState(StateStatementComplete)
	}
	e.result = result
	return e.changeState(StateExecutionComplete)
}

// changeState is the sole mutator of state. Every observer sees the
// proposed transition in registration order and may supersede the target;
// the replay observer uses this to jump straight to a terminal state.
func (e *Execution) changeState(newState ExecutionState) int {
	acceptedState := newState
	for _, observer := range e.conn.observers {
		if observerState := observer.OnState(e, newState); observerState != newState {
			acceptedState = observerState
		}
	}
	if (acceptedState == StateStatementComplete || acceptedState == StateError) && !e.state.IsTerminal() {
		e.completeTime = time.Now()
		metrics.ExecutionCounter.WithLabelValues(
			e.conn.name, e.statementName, metrics.RetLabel(e.errorNo)).Inc()
		metrics.ExecutionDurationHistogram.WithLabelValues(
			e.conn.name, e.statementName).Observe(time.Since(e.startTime).Seconds())
		metrics.LiveExecutionGauge.WithLabelValues(e.conn.name).Dec()
	}
	e.state = acceptedState
	if e.errorNo != 0 {
		return e.errorNo
	}
	return 0
}

// isSameStatementAs reports whether a prior execution's prepared statement
// can serve this one. The auto-commit snapshots must match: the server
// caches constraint-deferral decisions from the setting observed at
// prepare time.
func (e *Execution) isSameStatementAs(other *Execution) bool {
	return other.statementName == e.statementName &&
		other.statementText == e.statementText &&
		other.isAutoCommit == e.isAutoCommit
}

// moveFrom transfers the server statement handle and bind array from a
// prior execution, which loses them and becomes non-reusable. The packed
// parameter buffer is not reused: string parameter lengths may differ.
func (e *Execution) moveFrom(prior *Execution) {
	e.stmt = prior.stmt
	prior.stmt = nil
	e.paramCount = prior.paramCount
	e.paramBinds = prior.paramBinds
	prior.paramBinds = nil
}

// close releases the result metadata. A non-reusable execution also closes
// the server statement and frees its buffers.
func (e *Execution) close(reusable bool) {
	if e.stmt == nil {
		return
	}
	e.result = nil
	if !reusable {
		if err := e.stmt.Close(); err != nil {
			e.logger.Warn("closing server statement", zap.Error(err))
		}
		e.stmt = nil
		e.cleanup()
	}
}

// cleanup unconditionally releases bind arrays and buffers.
func (e *Execution) cleanup() {
	e.paramBinds = nil
	e.paramBuf = nil
	e.colBinds = nil
	e.rowBuf = nil
	e.blobBuf = nil
	e.execArgs = nil
}

// reportServerError extracts the server's error number and message and
// fails the execution with the number preserved end-to-end.
func (e *Execution) reportServerError(context string, err error) int {
	code, msg := backend.ErrorCode(err)
	return e.reportError(fmt.Sprintf("server error %s: %s (%d)", context, msg, code), code)
}

// reportError records the failure on the execution, transitions to ERROR,
// and propagates the error up to the connection.
func (e *Execution) reportError(errorMessage string, errorNo int) int {
	e.setError(errorMessage, errorNo)
	e.changeState(StateError)
	return e.conn.reportErrorFrom(errorMessage, errorNo, e)
}

func (e *Execution) setError(errorMessage string, errorNo int) {
	e.rc = errorNo
	e.errorNo = errorNo
	e.errorMessage = errorMessage
}

// String renders the execution as name(arg1, arg2, …); long values are
// truncated at the first separator past 64 characters.
func (e *Execution) String() string {
	var sb strings.Builder
	sb.WriteString(e.statementName)
	sb.WriteByte('(')
	for i, setting := range e.settings {
		if i > 0 {
			sb.WriteString(", ")
		}
		if !setting.HasValue {
			continue
		}
		arg := ""
		if encoded, err := json.Marshal(setting.Value); err == nil {
			arg = string(encoded)
		}
		if len(arg) > 64 {
			if sep := strings.IndexAny(arg[64:], " :.;\r\n\t"); sep >= 0 {
				arg = arg[:64+sep]
			}
			arg += "..."
		}
		sb.WriteString(arg)
	}
	sb.WriteByte(')')
	return sb.String()
}

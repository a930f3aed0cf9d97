package sqlclient

import (
	"encoding/json"
	"fmt"
	"io/ioutil"

	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"go.uber.org/zap"
)

// ReplayObserver satisfies executions from a previously captured program
// document instead of a server. When an execution reaches SQL_GENERATED it
// is matched against the corresponding recorded execution; on a match the
// recorded outcome is copied in and the state machine jumps straight to
// the recorded terminal state, short-circuiting the server-facing tail.
// Attaching a replay observer also makes the connection transaction-less.
type ReplayObserver struct {
	baseObserver
	doc             *captureDoc
	executionNumber int
}

func newReplayObserver(name string, params *config.ObserverParams, conn *Connection) *ReplayObserver {
	o := &ReplayObserver{baseObserver: newBaseObserver(name, params, conn)}
	conn.SetTransactions(false)
	return o
}

func (o *ReplayObserver) Type() ObserverType { return ObserverReplay }

func (o *ReplayObserver) StartProgram(programName string) {
	o.baseObserver.StartProgram(programName)
	o.doc = nil
	o.executionNumber = 0

	replayPath := o.programPath()
	data, err := ioutil.ReadFile(replayPath)
	if err != nil {
		o.logger.Error("reading replay program", zap.String("path", replayPath), zap.Error(err))
		return
	}
	var doc captureDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		o.logger.Error("parsing replay program", zap.String("path", replayPath), zap.Error(err))
		return
	}
	o.doc = &doc
}

func (o *ReplayObserver) OnState(e *Execution, newState ExecutionState) ExecutionState {
	if e == nil {
		return newState
	}
	if e.State() == StateInitial {
		o.executionNumber++
	}
	if newState != StateSQLGenerated {
		return newState
	}
	if o.doc == nil || len(o.doc.Executions) == 0 {
		return newState
	}

	if len(o.doc.Executions) < o.executionNumber {
		msg := fmt.Sprintf("test executes more statements than expected. Expected %d",
			len(o.doc.Executions))
		e.setError(msg, 1)
		o.conn.reportErrorFrom(msg, 1, e)
		return StateError
	}

	recorded := o.doc.Executions[o.executionNumber-1]
	if recorded.StatementName != e.StatementName() {
		msg := fmt.Sprintf("statement names don't match: %s NE %s",
			recorded.StatementName, e.StatementName())
		e.setError(msg, 1)
		o.conn.reportErrorFrom(msg, 1, e)
		return StateError
	}
	if recorded.StatementText != e.StatementText() {
		msg := "statement texts don't match"
		e.setError(msg, 1)
		o.conn.reportErrorFrom(msg, 1, e)
		return StateError
	}

	// executions match: copy the recorded outcome into the live execution
	// and jump to the state the recorded run finished in
	e.rc = recorded.RC
	e.rowCount = recorded.RowsReturned
	e.rowsAffected = recorded.RowsAffected
	if recorded.Results != nil {
		e.results = recorded.Results
	}
	if recorded.ErrorNo != 0 {
		e.setError(recorded.ErrorMessage, recorded.ErrorNo)
		o.conn.reportErrorFrom(recorded.ErrorMessage, recorded.ErrorNo, e)
	}
	return ExecutionState(recorded.State)
}

package sqlclient

import (
	"encoding/json"
	"time"
)

const recordTimeLayout = "2006-01-02T15:04:05.000000"

// Record is the serialized form of an execution. It provides field values
// for audit rows and is the unit stored in captured program files.
type Record struct {
	StatementName string   `json:"statement_name"`
	Comment       string   `json:"comment,omitempty"`
	StatementText string   `json:"statement_text"`
	Program       string   `json:"program,omitempty"`
	Transaction   string   `json:"transaction,omitempty"`
	State         int      `json:"state"`
	RC            int      `json:"rc"`
	RowsReturned  int      `json:"rows_returned"`
	RowsAffected  int      `json:"rows_affected"`
	ErrorMessage  string   `json:"error_message"`
	ErrorNo       int      `json:"error_no"`
	StartTime     string   `json:"start_time"`
	ExecuteTime   string   `json:"execute_time"`
	RetrieveTime  string   `json:"retrieve_time"`
	CompleteTime  string   `json:"complete_time"`
	Parameters    Settings `json:"parameters,omitempty"`
	Results       *Results `json:"results,omitempty"`
	User          string   `json:"user"`
	Host          string   `json:"host"`
}

// Record returns the cached serialized form of the execution, building it
// on first use.
func (e *Execution) Record() *Record {
	if e.record == nil {
		e.record = e.buildRecord(e.state)
	}
	return e.record
}

// buildRecord serializes the execution as if it were in the given state.
// Observers capturing a proposed terminal transition record the target
// state rather than the still-current one.
func (e *Execution) buildRecord(state ExecutionState) *Record {
	return &Record{
		StatementName: e.statementName,
		Comment:       e.comment,
		StatementText: e.statementText,
		Program:       e.conn.CurrentProgram(),
		Transaction:   e.conn.CurrentTransaction(),
		State:         int(state),
		RC:            e.rc,
		RowsReturned:  e.rowCount,
		RowsAffected:  e.rowsAffected,
		ErrorMessage:  e.errorMessage,
		ErrorNo:       e.errorNo,
		StartTime:     formatRecordTime(e.startTime),
		ExecuteTime:   formatRecordTime(e.executeTime),
		RetrieveTime:  formatRecordTime(e.retrieveTime),
		CompleteTime:  formatRecordTime(e.completeTime),
		Parameters:    e.settings,
		Results:       e.results,
		User:          e.conn.cfg.User,
		Host:          e.conn.cfg.Host,
	}
}

// asMap flattens the record to generic fields so audit parameters can be
// matched against it by name.
func (r *Record) asMap() (map[string]interface{}, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func formatRecordTime(t time.Time) string {
	if t.IsZero() {
		return notADateTime
	}
	return t.Format(recordTimeLayout)
}

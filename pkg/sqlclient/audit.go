package sqlclient

import (
	"encoding/json"

	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"go.uber.org/zap"
)

const defaultInsertStatement = "insert_audit_record"

// AuditObserver inserts a row into an audit table for every completed
// execution, and marker rows for commits and rollbacks. It writes through
// its own async connection so auditing never blocks the observed one. The
// observer is inert when a replay observer is present: unit tests don't
// audit.
type AuditObserver struct {
	baseObserver
	auditDatabase   string
	auditTable      string
	auditSQLPath    string
	insertStatement string
	auditConn       *Connection
	isAuditing      bool
}

func newAuditObserver(name string, params *config.ObserverParams, conn *Connection) *AuditObserver {
	o := &AuditObserver{
		baseObserver:    newBaseObserver(name, params, conn),
		insertStatement: defaultInsertStatement,
	}
	if conn.IsReplay() {
		return o
	}
	if params == nil || params.Database == "" || params.TableName == "" || params.SQL == "" {
		o.logger.Error("audit observer requires database name, table name, and SQL dictionary path for the audit db")
		return o
	}
	o.auditDatabase = params.Database
	o.auditTable = params.TableName
	o.auditSQLPath = params.SQL
	if params.InsertStatement != "" {
		o.insertStatement = params.InsertStatement
	}

	// connect to the audit database with the observed connection's
	// credentials
	auditCfg := *conn.cfg
	auditCfg.Name = "audit_" + conn.cfg.Name
	auditCfg.DatabaseName = o.auditDatabase
	auditCfg.StatementPath = o.auditSQLPath
	auditCfg.DictStore = config.DictStore{}
	auditCfg.Async = true
	auditConn, err := NewConnection(&auditCfg, WithConnector(conn.connector))
	if err != nil {
		o.logger.Error("creating audit connection", zap.Error(err))
		return o
	}
	o.auditConn = auditConn

	o.isAuditing = o.prepareToAudit()
	if !o.isAuditing && o.auditConn.IsOpen() {
		o.auditConn.Close()
	}
	return o
}

func (o *AuditObserver) Type() ObserverType { return ObserverAudit }

// prepareToAudit opens the audit connection, validates the audit
// dictionary, and creates the audit table if it doesn't exist.
func (o *AuditObserver) prepareToAudit() bool {
	if err := o.auditConn.Open(); err != nil {
		o.logger.Error("connecting to audit database",
			zap.String("database", o.auditDatabase), zap.Error(err))
		return false
	}

	dictionary, err := o.auditConn.Statements()
	if err != nil {
		o.logger.Error("loading audit dictionary",
			zap.String("path", o.auditSQLPath), zap.Error(err))
		return false
	}
	if dictionary.Get(o.insertStatement) == nil {
		o.logger.Error("audit dictionary does not include insert statement",
			zap.String("path", o.auditSQLPath), zap.String("statement", o.insertStatement))
		return false
	}

	o.auditConn.Execute("create_audit_table", P("table_name", o.auditTable))
	if rc := o.auditConn.ReturnCode(); rc != 0 {
		o.logger.Error("creating audit table",
			zap.String("error", o.auditConn.ErrorMessage()))
		return false
	}
	return true
}

// OnState inserts an audit record when an execution transitions into a
// terminal state.
func (o *AuditObserver) OnState(e *Execution, newState ExecutionState) ExecutionState {
	if !o.isAuditing {
		return newState
	}
	if e == nil || e.State().IsTerminal() || !newState.IsTerminal() {
		return newState
	}
	o.insertRecord(AuditExecute, e.buildRecord(newState), "")
	return newState
}

// OnAudit inserts marker rows for commits and rollbacks.
func (o *AuditObserver) OnAudit(event AuditEvent, comment string, e *Execution) {
	if !o.isAuditing {
		return
	}
	if event != AuditCommit && event != AuditRollback {
		return
	}
	o.insertRecord(event, nil, comment)
}

// insertRecord binds the insert statement's parameters by matching their
// names against the execution record's fields. table_name comes from the
// observer configuration; complex values are serialized to strings.
func (o *AuditObserver) insertRecord(event AuditEvent, record *Record, comment string) {
	args := map[string]interface{}{"event": event.String()}
	if comment != "" {
		args["comment"] = comment
	}

	var recordFields map[string]interface{}
	if record != nil {
		fields, err := record.asMap()
		if err != nil {
			o.logger.Error("serializing execution for audit", zap.Error(err))
			return
		}
		recordFields = fields
	}

	dictionary, err := o.auditConn.Statements()
	if err != nil {
		return
	}
	statement := dictionary.Get(o.insertStatement)

	for _, parameter := range statement.Parameters {
		switch parameter.Name {
		case "event":
			// pre-seeded above
		case "comment":
			// an execution's own comment, unless an event comment was given
			if _, ok := args["comment"]; !ok && record != nil && record.Comment != "" {
				args["comment"] = record.Comment
			}
		case "table_name":
			args["table_name"] = o.auditTable
		case "program":
			if program := o.conn.CurrentProgram(); program != "" {
				args["program"] = program
			}
		case "transaction":
			if transaction := o.conn.CurrentTransaction(); transaction != "" {
				args["transaction"] = transaction
			}
		default:
			if recordFields == nil {
				continue
			}
			value, ok := recordFields[parameter.Name]
			if !ok {
				continue
			}
			switch value.(type) {
			case map[string]interface{}, []interface{}:
				encoded, err := json.Marshal(value)
				if err != nil {
					continue
				}
				args[parameter.Name] = string(encoded)
			default:
				args[parameter.Name] = value
			}
		}
	}

	o.auditConn.ExecuteJSON(o.insertStatement, args)
}

func (o *AuditObserver) Close() {
	if o.auditConn != nil {
		o.logger.Info("closing audit connection")
		o.auditConn.Close()
		o.auditConn = nil
		o.isAuditing = false
	}
}

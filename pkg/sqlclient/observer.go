package sqlclient

import (
	"os"
	"path/filepath"

	"github.com/pingcap/errors"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"go.uber.org/zap"
)

// ObserverType selects an observer variant.
type ObserverType int

const (
	ObserverAudit ObserverType = iota + 1
	ObserverDebug
	ObserverCapture
	ObserverReplay
)

// ParseObserverType converts a configuration string.
func ParseObserverType(s string) (ObserverType, error) {
	switch s {
	case "audit":
		return ObserverAudit, nil
	case "debug":
		return ObserverDebug, nil
	case "capture":
		return ObserverCapture, nil
	case "replay":
		return ObserverReplay, nil
	default:
		return 0, errors.WithMessage(ErrInvalidObserverType, s)
	}
}

// AuditEvent identifies audit-worthy connection events.
type AuditEvent int

const (
	AuditExecute AuditEvent = iota + 1
	AuditCommit
	AuditRollback
)

func (a AuditEvent) String() string {
	switch a {
	case AuditExecute:
		return "EXECUTE"
	case AuditCommit:
		return "COMMIT"
	case AuditRollback:
		return "ROLLBACK"
	default:
		return "UNKNOWN"
	}
}

// An Observer is hooked into every state transition and audit event of its
// connection, in registration order. OnState may return a different target
// state, which supersedes the proposed one.
type Observer interface {
	Name() string
	Type() ObserverType
	OnState(e *Execution, newState ExecutionState) ExecutionState
	OnAudit(event AuditEvent, comment string, e *Execution)
	StartProgram(programName string)
	EndProgram(programName string)
	Close()
}

// NewObserver builds an observer of the given type.
func NewObserver(name string, observerType ObserverType, params *config.ObserverParams, conn *Connection) (Observer, error) {
	switch observerType {
	case ObserverAudit:
		return newAuditObserver(name, params, conn), nil
	case ObserverCapture:
		return newCaptureObserver(name, params, conn), nil
	case ObserverReplay:
		return newReplayObserver(name, params, conn), nil
	case ObserverDebug:
		return newDebugObserver(name, params, conn), nil
	default:
		return nil, errors.WithMessage(ErrInvalidObserverType, name)
	}
}

type baseObserver struct {
	name       string
	conn       *Connection
	program    string
	workingDir string
	logger     *zap.Logger
}

func newBaseObserver(name string, params *config.ObserverParams, conn *Connection) baseObserver {
	workingDir := ""
	if params != nil {
		workingDir = params.WorkingDirectory
	}
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	logger := conn.logger.With(zap.String("observer", name))
	logger.Debug("creating observer")
	return baseObserver{
		name:       name,
		conn:       conn,
		workingDir: workingDir,
		logger:     logger,
	}
}

func (o *baseObserver) Name() string { return o.name }

func (o *baseObserver) StartProgram(programName string) {
	o.logger.Debug("starting program", zap.String("program", programName))
	o.program = programName
}

func (o *baseObserver) EndProgram(programName string) {
	o.logger.Debug("ending program", zap.String("program", programName))
	o.program = ""
}

func (o *baseObserver) OnAudit(event AuditEvent, comment string, e *Execution) {}

func (o *baseObserver) Close() {}

// programPath is where the current program's captured document lives.
func (o *baseObserver) programPath() string {
	return filepath.Join(o.workingDir, o.name+"."+o.program+".json")
}

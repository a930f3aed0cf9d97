package sqlclient

import (
	"encoding/json"

	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"github.com/tidb-incubator/sqlbridge/pkg/util/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugObserver drops both log sink thresholds to debug for as long as it
// is attached, and logs every state transition: the statement text once
// generated, the settings once bound, and the results document on
// completion.
type DebugObserver struct {
	baseObserver
	priorConsoleLevel zapcore.Level
	priorFileLevel    zapcore.Level
}

func newDebugObserver(name string, params *config.ObserverParams, conn *Connection) *DebugObserver {
	o := &DebugObserver{baseObserver: newBaseObserver(name, params, conn)}
	o.priorConsoleLevel = logging.ConsoleLevel()
	logging.SetConsoleLevel(zapcore.DebugLevel)
	o.priorFileLevel = logging.FileLevel()
	logging.SetFileLevel(zapcore.DebugLevel)
	return o
}

func (o *DebugObserver) Type() ObserverType { return ObserverDebug }

func (o *DebugObserver) OnState(e *Execution, newState ExecutionState) ExecutionState {
	if e == nil {
		return newState
	}
	logger := o.logger.With(zap.Int64("execution", int64(e.Handle())))
	logger.Debug("state transition",
		zap.Stringer("from", e.State()), zap.Stringer("to", newState))

	switch newState {
	case StateSQLGenerated:
		logger.Debug("generated text", zap.String("sql", e.StatementText()))
	case StateBindingsPrepared:
		logger.Debug("ready to bind",
			zap.Int("params", e.paramCount), zap.Stringer("execution", e))
	case StateStatementComplete:
		if e.Results() != nil {
			if encoded, err := json.Marshal(e.Results()); err == nil {
				logger.Debug("results", zap.String("results", string(encoded)))
			}
		} else {
			logger.Debug("complete", zap.Int("rows_affected", e.RowsAffected()))
		}
	}
	return newState
}

// Close restores the log thresholds saved at attach time.
func (o *DebugObserver) Close() {
	logging.SetConsoleLevel(o.priorConsoleLevel)
	logging.SetFileLevel(o.priorFileLevel)
}

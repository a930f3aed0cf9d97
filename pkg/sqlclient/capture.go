package sqlclient

import (
	"encoding/json"
	"io/ioutil"

	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"go.uber.org/zap"
)

// captureDoc is the on-disk shape of a captured program.
type captureDoc struct {
	Executions []*Record `json:"executions"`
}

// CaptureObserver records the serialized form of every execution that
// completes between StartProgram and EndProgram, then writes the program
// document to <working_dir>/<observer>.<program>.json. Replaying that file
// later satisfies the same program without a server.
type CaptureObserver struct {
	baseObserver
	captured []*Record
}

func newCaptureObserver(name string, params *config.ObserverParams, conn *Connection) *CaptureObserver {
	return &CaptureObserver{baseObserver: newBaseObserver(name, params, conn)}
}

func (o *CaptureObserver) Type() ObserverType { return ObserverCapture }

func (o *CaptureObserver) StartProgram(programName string) {
	o.baseObserver.StartProgram(programName)
	o.captured = nil
}

// OnState saves every terminal transition inside a program, recorded with
// the target state the execution is about to enter.
func (o *CaptureObserver) OnState(e *Execution, newState ExecutionState) ExecutionState {
	if o.program != "" && e != nil && !e.State().IsTerminal() && newState.IsTerminal() {
		o.captured = append(o.captured, e.buildRecord(newState))
	}
	return newState
}

func (o *CaptureObserver) EndProgram(programName string) {
	capturePath := o.programPath()
	o.baseObserver.EndProgram(programName)

	if len(o.captured) == 0 {
		return
	}
	data, err := json.MarshalIndent(&captureDoc{Executions: o.captured}, "", "  ")
	if err != nil {
		o.logger.Error("serializing captured program", zap.Error(err))
		return
	}
	if err := ioutil.WriteFile(capturePath, data, 0644); err != nil {
		o.logger.Error("writing captured program",
			zap.String("path", capturePath), zap.Error(err))
		return
	}
	o.logger.Info("captured program written",
		zap.String("path", capturePath), zap.Int("executions", len(o.captured)))
	o.captured = nil
}

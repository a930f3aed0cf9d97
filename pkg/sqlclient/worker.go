package sqlclient

import (
	"fmt"
	"sync"

	"github.com/pingcap/failpoint"
	"github.com/tidb-incubator/sqlbridge/pkg/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// RequestType identifies requests queued to the worker of an async
// connection.
type RequestType int

const (
	NoRequest RequestType = iota
	ExecutionRequest
	StartTransactionRequest
	CommitTransactionRequest
	RollbackTransactionRequest
	StartProgramRequest
	EndProgramRequest
	KillWorkerRequest
)

var requestTypeNames = map[RequestType]string{
	NoRequest:                  "NO_REQUEST",
	ExecutionRequest:           "EXECUTION",
	StartTransactionRequest:    "START_TRANSACTION",
	CommitTransactionRequest:   "COMMIT_TRANSACTION",
	RollbackTransactionRequest: "ROLLBACK_TRANSACTION",
	StartProgramRequest:        "START_PROGRAM",
	EndProgramRequest:          "END_PROGRAM",
	KillWorkerRequest:          "KILL_WORKER",
}

// Request sequences are process-wide monotonic positives starting at 1.
// Tests must not depend on absolute values.
var nextRequestSequence = atomic.NewInt64(0)

// Request is one unit of work for the worker. Transaction and program
// requests carry no work of their own: they are barriers used to flush
// in-flight executions.
type Request struct {
	Type         RequestType
	Sequence     int64
	IntParam     int64
	StrParam     string
	RC           int
	ErrorNo      int
	ErrorMessage string

	// handed in at enqueue time, so the worker does not look the execution
	// up by handle
	execution *Execution
}

func (r Request) String() string {
	name, ok := requestTypeNames[r.Type]
	if !ok {
		name = fmt.Sprintf("REQUEST(%d)", int(r.Type))
	}
	switch r.Type {
	case ExecutionRequest:
		return fmt.Sprintf("%d %s: execution %d", r.Sequence, name, r.IntParam)
	case KillWorkerRequest:
		return fmt.Sprintf("%d %s", r.Sequence, name)
	default:
		return fmt.Sprintf("%d %s: %s", r.Sequence, name, r.StrParam)
	}
}

// Worker owns all server I/O for an async connection. A single goroutine
// drains a FIFO request queue; completions are published under a separate
// lock keyed by request sequence so callers can await a specific request.
type Worker struct {
	conn *Connection

	requestMu   sync.Mutex
	requestCond *sync.Cond
	queue       []Request

	completionMu   sync.Mutex
	completionCond *sync.Cond
	completed      map[int64]Request
	lastCompleted  int64

	killed *atomic.Bool
	done   chan struct{}

	logger *zap.Logger
}

func newWorker(conn *Connection) *Worker {
	w := &Worker{
		conn:      conn,
		completed: make(map[int64]Request),
		killed:    atomic.NewBool(false),
		done:      make(chan struct{}),
		logger:    conn.logger.With(zap.String("component", "worker")),
	}
	w.requestCond = sync.NewCond(&w.requestMu)
	w.completionCond = sync.NewCond(&w.completionMu)
	return w
}

// Start spawns the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	w.logger.Info("worker running")

	for {
		request := w.getRequest()
		w.logger.Debug("received request", zap.Stringer("request", request))
		failpoint.Inject("workerRequest", func() {})

		kill := false
		switch request.Type {
		case ExecutionRequest:
			// run the server-facing tail of the state machine
			if execution := request.execution; execution != nil {
				execution.execute()
				request.RC = execution.rc
				request.ErrorNo = execution.errorNo
				request.ErrorMessage = execution.errorMessage
				w.logger.Debug("async execution complete",
					zap.Int64("sequence", request.Sequence),
					zap.Int64("execution", request.IntParam))
			}

		case StartTransactionRequest, CommitTransactionRequest, RollbackTransactionRequest,
			StartProgramRequest, EndProgramRequest:
			// synchronous barriers: completing them proves all prior
			// executions finished server-side

		case KillWorkerRequest:
			kill = true
		}

		w.complete(request)
		if kill {
			break
		}
	}
	w.logger.Info("worker terminated")
}

// PutRequest enqueues a request and returns its assigned sequence. The
// sequence is taken under the queue lock, so queue order equals sequence
// order.
func (w *Worker) PutRequest(requestType RequestType, intParam int64, strParam string) int64 {
	return w.put(Request{Type: requestType, IntParam: intParam, StrParam: strParam})
}

// PutExecution enqueues the server-facing tail of an execution.
func (w *Worker) PutExecution(e *Execution) int64 {
	return w.put(Request{Type: ExecutionRequest, IntParam: int64(e.handle), execution: e})
}

func (w *Worker) put(request Request) int64 {
	w.requestMu.Lock()
	request.Sequence = nextRequestSequence.Add(1)
	if request.execution != nil {
		// set before the worker can dequeue it: a non-zero sequence marks
		// errors raised on the worker
		request.execution.requestSequence = request.Sequence
	}
	w.queue = append(w.queue, request)
	metrics.WorkerQueueGauge.WithLabelValues(w.conn.name).Set(float64(len(w.queue)))
	w.requestMu.Unlock()

	w.requestCond.Signal()
	return request.Sequence
}

func (w *Worker) getRequest() Request {
	w.requestMu.Lock()
	defer w.requestMu.Unlock()
	for len(w.queue) == 0 {
		w.requestCond.Wait()
	}
	request := w.queue[0]
	w.queue = w.queue[1:]
	metrics.WorkerQueueGauge.WithLabelValues(w.conn.name).Set(float64(len(w.queue)))
	return request
}

func (w *Worker) complete(request Request) {
	w.completionMu.Lock()
	w.lastCompleted = request.Sequence
	w.completed[request.Sequence] = request
	w.completionMu.Unlock()
	w.completionCond.Broadcast()
}

// WaitForRequest blocks until the worker has completed the request with
// the given sequence and returns its finalised form.
func (w *Worker) WaitForRequest(sequence int64) Request {
	w.completionMu.Lock()
	defer w.completionMu.Unlock()
	for w.lastCompleted < sequence {
		w.completionCond.Wait()
	}
	return w.completed[sequence]
}

// IsCompleted reports whether the request with the given sequence has
// finished.
func (w *Worker) IsCompleted(sequence int64) bool {
	w.completionMu.Lock()
	defer w.completionMu.Unlock()
	return w.lastCompleted >= sequence
}

// Kill drains the queue and stops the worker; requests queued before the
// kill complete first. Idempotent.
func (w *Worker) Kill() {
	if !w.killed.CAS(false, true) {
		<-w.done
		return
	}
	sequence := w.PutRequest(KillWorkerRequest, 0, "")
	w.WaitForRequest(sequence)
	<-w.done
}

package sqlclient

import (
	"sync"
	"testing"
	"time"

	"github.com/siddontang/go-mysql/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestAsyncCompletionOrderEqualsEnqueueOrder(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, true)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", employeeSelectText).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(1)

	var mu sync.Mutex
	var serverOrder []int64
	mockStmt.On("Execute", mock.Anything).Run(func(args mock.Arguments) {
		values := args.Get(0).([]interface{})
		mu.Lock()
		serverOrder = append(serverOrder, values[0].(int64))
		mu.Unlock()
		time.Sleep(time.Millisecond)
	}).Return(buildResult(t, []string{"emp_no", "first_name", "hire_date"},
		[]byte{mysql.MYSQL_TYPE_LONG, mysql.MYSQL_TYPE_VAR_STRING, mysql.MYSQL_TYPE_DATE}, nil), nil)

	var handles []Handle
	for empNo := int64(1); empNo <= 5; empNo++ {
		handles = append(handles, conn.Execute("get_employee_by_emp_no", P("emp_no", empNo)))
	}

	// program boundaries flush: on return every prior request is complete
	conn.StartProgram("ordering")
	for _, xh := range handles {
		e := conn.findExecution(xh)
		assert.True(t, conn.worker.IsCompleted(e.RequestSequence()))
		assert.Equal(t, 0, conn.ReturnCode(xh))
	}
	conn.EndProgram("ordering")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, serverOrder)
}

func TestRequestSequencesAreMonotonic(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, true)
	defer conn.Close()

	seq1 := conn.worker.PutRequest(StartProgramRequest, 0, "a")
	seq2 := conn.worker.PutRequest(EndProgramRequest, 0, "a")
	assert.Greater(t, seq2, seq1)

	request := conn.worker.WaitForRequest(seq2)
	assert.Equal(t, EndProgramRequest, request.Type)
	assert.Equal(t, seq2, request.Sequence)
	assert.True(t, conn.worker.IsCompleted(seq1))
}

func TestWaitForRequestReturnsFinalizedRequest(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, true)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", mock.Anything).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(3)
	mockStmt.On("Execute", mock.Anything).Return(nil,
		mysql.NewError(mysql.ER_DUP_ENTRY, "Duplicate entry '10001' for key 'PRIMARY'")).Once()

	xh := conn.Execute("add_salary",
		P("emp_no", 10001), P("salary", 1), P("from_date", "2013-01-15"))
	e := conn.findExecution(xh)
	request := conn.worker.WaitForRequest(e.RequestSequence())

	assert.Equal(t, int(mysql.ER_DUP_ENTRY), request.ErrorNo)
	assert.Contains(t, request.ErrorMessage, "Duplicate entry")
	assert.Equal(t, int(mysql.ER_DUP_ENTRY), conn.ReturnCode(xh))
}

func TestKillIsIdempotent(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, true)

	conn.worker.Kill()
	conn.worker.Kill()
	conn.Close()
	conn.Close()
}

func TestAsyncErrorRollsBackWithoutDeadlock(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, true)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("SetAutoCommit", false).Return(nil)
	mockConn.On("Rollback").Return(nil)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", mock.Anything).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(3)
	mockStmt.On("Execute", mock.Anything).Return(nil,
		mysql.NewError(mysql.ER_DUP_ENTRY, "Duplicate entry '10001' for key 'PRIMARY'")).Once()

	// the driver opens on the worker, but StartTransaction runs on the
	// caller: open eagerly first
	require.NoError(t, conn.Open())
	require.NoError(t, conn.StartTransaction("risky"))

	xh := conn.Execute("add_salary",
		P("emp_no", 10001), P("salary", 1), P("from_date", "2013-01-15"))
	assert.Equal(t, int(mysql.ER_DUP_ENTRY), conn.ReturnCode(xh))

	// rollback-on-error ran on the worker: auto-commit restored, no
	// transaction left open
	assert.True(t, conn.driver.IsAutoCommit())
	assert.Empty(t, conn.CurrentTransaction())
	mockConn.AssertCalled(t, "Rollback")
}

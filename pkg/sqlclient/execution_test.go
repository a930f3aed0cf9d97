package sqlclient

import (
	"strings"
	"testing"

	"github.com/siddontang/go-mysql/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const employeeSelectText = "SELECT emp_no, first_name, hire_date FROM employees WHERE emp_no = ?"

// openMockConn wires a connector that hands out the given server
// connection once; the driver sets auto-commit at open time.
func openMockConn(connector *MockConnector, mockConn *MockConn) {
	connector.On("Connect", mock.Anything).Return(mockConn, nil).Once()
	mockConn.On("SetAutoCommit", true).Return(nil)
}

func TestUnknownStatement(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	xh := conn.Execute("no_such_statement")
	rc := conn.ReturnCode(xh)
	assert.Equal(t, 1, rc)
	assert.Contains(t, conn.ErrorMessage(), "unknown statement 'no_such_statement'")

	e := conn.ErrorExecution()
	require.NotNil(t, e)
	assert.Equal(t, StateError, e.State())
	connector.AssertNotCalled(t, "Connect", mock.Anything)
}

func TestNoArgumentsPassed(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	conn.Execute("get_employee_by_emp_no")
	assert.Equal(t, 1, conn.ReturnCode())
	assert.Contains(t, conn.ErrorMessage(), "no arguments passed")
}

func TestUnknownParameter(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	conn.Execute("get_employee_by_emp_no", P("employee", 10001))
	assert.Equal(t, 1, conn.ReturnCode())
	assert.Contains(t, conn.ErrorMessage(), "unknown parameter 'employee'")
}

func TestMarkerPlaceholderBalance(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", employeeSelectText).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(1)
	mockStmt.On("Execute", mock.Anything).Return(
		buildResult(t, []string{"emp_no", "first_name", "hire_date"},
			[]byte{mysql.MYSQL_TYPE_LONG, mysql.MYSQL_TYPE_VAR_STRING, mysql.MYSQL_TYPE_DATE},
			nil), nil).Once()

	xh := conn.Execute("get_employee_by_emp_no", P("emp_no", 10001))
	require.Equal(t, 0, conn.ReturnCode(xh))

	e := conn.findExecution(xh)
	require.NotNil(t, e)
	assert.Equal(t, e.Settings().markerCount(), strings.Count(e.StatementText(), "?"))
}

func TestSubstituteParameterSplicedIntoText(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	substituted := "CREATE TABLE IF NOT EXISTS audit_records (event VARCHAR(16))"
	mockConn.On("Prepare", substituted).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(0)
	mockStmt.On("Execute", mock.Anything).Return(execResult(0), nil).Once()

	xh := conn.Execute("create_audit_table", P("table_name", "audit_records"))
	require.Equal(t, 0, conn.ReturnCode(xh))

	e := conn.findExecution(xh)
	assert.Equal(t, substituted, e.StatementText())
	assert.NotContains(t, e.StatementText(), "?")
	assert.NotContains(t, e.StatementText(), "@table_name")
}

func TestSelectRetrievesTypedResults(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", employeeSelectText).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(1)

	result := buildResult(t,
		[]string{"emp_no", "first_name", "hire_date"},
		[]byte{mysql.MYSQL_TYPE_LONG, mysql.MYSQL_TYPE_VAR_STRING, mysql.MYSQL_TYPE_DATE},
		[][]interface{}{
			{10001, "Georgi", "1986-06-26"},
			{10002, nil, "1985-11-21"},
			{10003, "Bamford-Worthington", "1989-09-12"},
		})
	mockStmt.On("Execute", []interface{}{int64(10001)}).Return(result, nil).Once()

	xh := conn.Execute("get_employee_by_emp_no", P("emp_no", 10001))
	require.Equal(t, 0, conn.ReturnCode(xh))
	assert.Equal(t, 3, conn.RowCount(xh))

	results := conn.Results(xh)
	require.NotNil(t, results)
	assert.Equal(t, int(mysql.MYSQL_TYPE_LONG), results.Columns["emp_no"])
	assert.Equal(t, int(mysql.MYSQL_TYPE_VAR_STRING), results.Columns["first_name"])

	require.Len(t, results.Rows, 3)
	assert.Equal(t, int64(10001), results.Rows[0]["emp_no"])
	assert.Equal(t, "Georgi", results.Rows[0]["first_name"])
	hireDate, ok := results.Rows[0]["hire_date"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1986, hireDate["year"])
	assert.Equal(t, 6, hireDate["month"])
	assert.Equal(t, 26, hireDate["day"])
	_, hasHour := hireDate["hour"]
	assert.False(t, hasHour, "date columns omit time fields")

	assert.Nil(t, results.Rows[1]["first_name"])

	// the overflow buffer grew to the longest reported length and the full
	// value came through
	assert.Equal(t, "Bamford-Worthington", results.Rows[2]["first_name"])
	e := conn.findExecution(xh)
	assert.Len(t, e.blobBuf, len("Bamford-Worthington"))
}

func TestInsertReportsRowsAffected(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", mock.Anything).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(3)
	mockStmt.On("Execute", []interface{}{int64(10001), int64(60000), "2013-01-15"}).
		Return(execResult(1), nil).Once()

	xh := conn.Execute("add_salary",
		P("emp_no", 10001), P("salary", 60000), P("from_date", "2013-01-15"))
	require.Equal(t, 0, conn.ReturnCode(xh))
	assert.Equal(t, 1, conn.RowsAffected(xh))
	assert.Equal(t, 0, conn.RowCount(xh))
	assert.Nil(t, conn.Results(xh))
	assert.True(t, conn.AssertRowsAffected(1, xh))
}

func TestServerErrorCodePreserved(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", mock.Anything).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(3)
	mockStmt.On("Execute", mock.Anything).Return(nil,
		mysql.NewError(mysql.ER_NO_REFERENCED_ROW_2,
			"Cannot add or update a child row: a foreign key constraint fails")).Once()

	xh := conn.Execute("add_salary",
		P("emp_no", 999999), P("salary", 60000), P("from_date", "2013-01-15"))
	assert.Equal(t, int(mysql.ER_NO_REFERENCED_ROW_2), conn.ReturnCode(xh))
	assert.Contains(t, conn.ErrorMessage(), "foreign key constraint fails")

	e := conn.findExecution(xh)
	assert.Equal(t, StateError, e.State())
	assert.Equal(t, int(mysql.ER_NO_REFERENCED_ROW_2), e.ErrorNo())
}

func TestMarkerCountMismatch(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", mock.Anything).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(2)

	conn.Execute("get_employee_by_emp_no", P("emp_no", 10001))
	assert.Equal(t, 1, conn.ReturnCode())
	assert.Contains(t, conn.ErrorMessage(), "server expects 2 parameters")
}

func TestPreparedStatementReuse(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", employeeSelectText).Return(mockStmt, nil).Once()
	mockStmt.On("ParamNum").Return(1)
	emptyResult := func() *mysql.Result {
		return buildResult(t, []string{"emp_no", "first_name", "hire_date"},
			[]byte{mysql.MYSQL_TYPE_LONG, mysql.MYSQL_TYPE_VAR_STRING, mysql.MYSQL_TYPE_DATE}, nil)
	}
	mockStmt.On("Execute", []interface{}{int64(10001)}).Return(emptyResult(), nil).Once()
	mockStmt.On("Execute", []interface{}{int64(10002)}).Return(emptyResult(), nil).Once()

	xh1 := conn.Execute("get_employee_by_emp_no", P("emp_no", 10001))
	require.Equal(t, 0, conn.ReturnCode(xh1))

	xh2 := conn.Execute("get_employee_by_emp_no", P("emp_no", 10002))
	require.Equal(t, 0, conn.ReturnCode(xh2))

	// the handle moved: the first execution lost it, the second owns it
	first := conn.findExecution(xh1)
	second := conn.findExecution(xh2)
	assert.Nil(t, first.stmt)
	assert.Same(t, mockStmt, second.stmt)
	mockConn.AssertNumberOfCalls(t, "Prepare", 1)
}

func TestNoReuseAcrossAutoCommitChange(t *testing.T) {
	connector := new(MockConnector)
	conn := newTestConn(t, testDict, connector, false)
	defer conn.Close()

	mockConn := new(MockConn)
	openMockConn(connector, mockConn)
	mockConn.On("SetAutoCommit", false).Return(nil)
	mockConn.On("Rollback").Return(nil)
	mockConn.On("Close").Return(nil)
	mockStmt := new(MockStmt)
	mockConn.On("Prepare", employeeSelectText).Return(mockStmt, nil).Twice()
	mockStmt.On("ParamNum").Return(1)
	mockStmt.On("Execute", mock.Anything).Return(
		buildResult(t, []string{"emp_no", "first_name", "hire_date"},
			[]byte{mysql.MYSQL_TYPE_LONG, mysql.MYSQL_TYPE_VAR_STRING, mysql.MYSQL_TYPE_DATE}, nil),
		nil).Twice()

	conn.Execute("get_employee_by_emp_no", P("emp_no", 10001))
	require.Equal(t, 0, conn.ReturnCode())

	// a non-transactional preparation must not serve a transactional
	// execution
	require.NoError(t, conn.StartTransaction("txn"))
	conn.Execute("get_employee_by_emp_no", P("emp_no", 10001))
	require.Equal(t, 0, conn.ReturnCode())
	require.NoError(t, conn.RollbackTransaction("done"))

	mockConn.AssertNumberOfCalls(t, "Prepare", 2)
}

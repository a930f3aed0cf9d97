package sqlclient

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/siddontang/go-mysql/mysql"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidb-incubator/sqlbridge/pkg/backend"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
)

type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) Connect(cfg *config.Connection) (backend.Conn, error) {
	args := m.Called(cfg)
	if conn := args.Get(0); conn != nil {
		return conn.(backend.Conn), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockConn struct {
	mock.Mock
}

func (m *MockConn) Ping() error {
	return m.Called().Error(0)
}

func (m *MockConn) UseDB(dbName string) error {
	return m.Called(dbName).Error(0)
}

func (m *MockConn) Execute(command string, args ...interface{}) (*mysql.Result, error) {
	called := m.Called(command, args)
	if result := called.Get(0); result != nil {
		return result.(*mysql.Result), called.Error(1)
	}
	return nil, called.Error(1)
}

func (m *MockConn) Prepare(query string) (backend.Stmt, error) {
	args := m.Called(query)
	if stmt := args.Get(0); stmt != nil {
		return stmt.(backend.Stmt), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConn) Begin() error {
	return m.Called().Error(0)
}

func (m *MockConn) Commit() error {
	return m.Called().Error(0)
}

func (m *MockConn) Rollback() error {
	return m.Called().Error(0)
}

func (m *MockConn) SetAutoCommit(autoCommit bool) error {
	return m.Called(autoCommit).Error(0)
}

func (m *MockConn) FieldList(table string, wildcard string) ([]*mysql.Field, error) {
	args := m.Called(table, wildcard)
	if fields := args.Get(0); fields != nil {
		return fields.([]*mysql.Field), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConn) GetConnectionID() uint32 {
	return uint32(m.Called().Int(0))
}

func (m *MockConn) Close() error {
	return m.Called().Error(0)
}

type MockStmt struct {
	mock.Mock
}

func (m *MockStmt) ParamNum() int {
	return m.Called().Int(0)
}

func (m *MockStmt) ColumnNum() int {
	return m.Called().Int(0)
}

func (m *MockStmt) Execute(args ...interface{}) (*mysql.Result, error) {
	called := m.Called(args)
	if result := called.Get(0); result != nil {
		return result.(*mysql.Result), called.Error(1)
	}
	return nil, called.Error(1)
}

func (m *MockStmt) Close() error {
	return m.Called().Error(0)
}

// buildResult assembles a result set from text-protocol row encoding, so
// the field values carry the types the native client would produce.
func buildResult(t *testing.T, names []string, types []byte, rows [][]interface{}) *mysql.Result {
	fields := make([]*mysql.Field, len(names))
	for i := range names {
		fields[i] = &mysql.Field{Name: []byte(names[i]), Type: types[i]}
	}
	resultset := &mysql.Resultset{Fields: fields}
	for _, row := range rows {
		var data mysql.RowData
		for _, value := range row {
			if value == nil {
				data = append(data, 0xfb)
			} else {
				data = append(data, mysql.PutLengthEncodedString([]byte(fmt.Sprint(value)))...)
			}
		}
		values, err := data.ParseText(fields, nil)
		require.NoError(t, err)
		resultset.Values = append(resultset.Values, values)
		resultset.RowDatas = append(resultset.RowDatas, data)
	}
	return &mysql.Result{Resultset: resultset}
}

func execResult(rowsAffected uint64) *mysql.Result {
	return &mysql.Result{AffectedRows: rowsAffected}
}

// writeTestDict drops a dictionary document into a temp dir and returns
// its path.
func writeTestDict(t *testing.T, dictJSON string) string {
	path := filepath.Join(t.TempDir(), "test_sql.json")
	require.NoError(t, ioutil.WriteFile(path, []byte(dictJSON), 0644))
	return path
}

func newTestConn(t *testing.T, dictJSON string, connector backend.Connector, async bool) *Connection {
	cfg := &config.Connection{
		Name:          "test",
		DatabaseName:  "testdb",
		StatementPath: writeTestDict(t, dictJSON),
		User:          "tester",
		Host:          "localhost",
		Port:          3306,
		Async:         async,
	}
	conn, err := NewConnection(cfg, WithConnector(connector))
	require.NoError(t, err)
	return conn
}

const testDict = `{
  "statements": {
    "get_employee_by_emp_no": {
      "statement_text": ["SELECT emp_no, first_name, hire_date", " FROM employees WHERE emp_no = ?"],
      "parameters": [
        {"name": "emp_no", "param_type": "marker", "data_type": "int"}
      ]
    },
    "add_salary": {
      "statement_text": ["INSERT INTO salaries (emp_no, salary, from_date) VALUES (?, ?, ?)"],
      "parameters": [
        {"name": "emp_no", "param_type": "marker", "data_type": "int"},
        {"name": "salary", "param_type": "marker", "data_type": "int"},
        {"name": "from_date", "param_type": "marker", "data_type": "date"}
      ]
    },
    "create_audit_table": {
      "statement_text": ["CREATE TABLE IF NOT EXISTS @table_name (event VARCHAR(16))"],
      "parameters": [
        {"name": "table_name", "param_type": "substitute", "data_type": "string"}
      ]
    },
    "count_employees": {
      "statement_text": ["SELECT COUNT(*) AS n FROM employees"],
      "parameters": []
    }
  }
}`

package sqlclient

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
)

// countingStore counts fetches so lazy-load behaviour is observable.
type countingStore struct {
	data    []byte
	err     error
	fetches int
}

func (s *countingStore) Fetch() ([]byte, error) {
	s.fetches++
	return s.data, s.err
}

func newStoreConn(t *testing.T, store *countingStore, connector *MockConnector) *Connection {
	cfg := &config.Connection{
		Name:         "test",
		DatabaseName: "testdb",
		User:         "tester",
		Host:         "localhost",
	}
	conn, err := NewConnection(cfg, WithConnector(connector), WithDictStore(store))
	require.NoError(t, err)
	return conn
}

func TestDictionaryLoadsOnce(t *testing.T) {
	store := &countingStore{data: []byte(testDict)}
	conn := newStoreConn(t, store, new(MockConnector))
	defer conn.Close()

	dictionary, err := conn.Statements()
	require.NoError(t, err)
	assert.NotNil(t, dictionary.Get("get_employee_by_emp_no"))

	_, err = conn.Statements()
	require.NoError(t, err)
	assert.Equal(t, 1, store.fetches)
}

func TestCorruptDictionaryIsPoisoned(t *testing.T) {
	store := &countingStore{data: []byte(`{"statements": [`)}
	conn := newStoreConn(t, store, new(MockConnector))
	defer conn.Close()

	_, err := conn.Statements()
	require.Error(t, err)
	_, err = conn.Statements()
	require.Error(t, err)
	assert.Equal(t, 1, store.fetches, "parse error poisons the dictionary, no refetch")

	xh := conn.Execute("anything")
	assert.Equal(t, 1, conn.ReturnCode(xh))
	assert.Contains(t, conn.ErrorMessage(), "dictionary corrupt")
}

func TestDictionaryFetchError(t *testing.T) {
	store := &countingStore{err: errors.New("etcd unreachable")}
	conn := newStoreConn(t, store, new(MockConnector))
	defer conn.Close()

	_, err := conn.Statements()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd unreachable")
}

func TestCommitWithoutSession(t *testing.T) {
	conn := newStoreConn(t, &countingStore{data: []byte(testDict)}, new(MockConnector))
	defer conn.Close()

	err := conn.driver.Commit()
	require.Error(t, err)
	assert.True(t, errors.Cause(err) == ErrNoConnection)
}

func TestRollbackWithoutSessionIsNoop(t *testing.T) {
	conn := newStoreConn(t, &countingStore{data: []byte(testDict)}, new(MockConnector))
	defer conn.Close()

	assert.NoError(t, conn.driver.Rollback())
}

func TestDriverOpenOnce(t *testing.T) {
	connector := new(MockConnector)
	conn := newStoreConn(t, &countingStore{data: []byte(testDict)}, connector)

	mockConn := new(MockConn)
	connector.On("Connect", mock.Anything).Return(mockConn, nil).Once()
	mockConn.On("SetAutoCommit", true).Return(nil)
	mockConn.On("Close").Return(nil).Once()

	require.NoError(t, conn.Open())
	require.NoError(t, conn.Open())
	assert.True(t, conn.IsOpen())
	connector.AssertNumberOfCalls(t, "Connect", 1)

	conn.Close()
	assert.False(t, conn.IsOpen())
	conn.Close()
	mockConn.AssertNumberOfCalls(t, "Close", 1)
}

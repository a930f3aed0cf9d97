package sqlclient

import (
	"github.com/pingcap/errors"
)

// Dictionary and caller errors are reported before any server I/O; server
// errors carry the server's numeric code verbatim on the execution.
var (
	ErrUnknownStatement      = errors.New("unknown statement")
	ErrUnknownParameter      = errors.New("unknown parameter")
	ErrMissingStatementText  = errors.New("missing statement text")
	ErrMissingParameterField = errors.New("missing parameter field")
	ErrUnsupportedDataType   = errors.New("unsupported data type")
	ErrCorruptDictionary     = errors.New("corrupt statement dictionary")
	ErrDateParse             = errors.New("date parse failed")
	ErrDateFieldOutOfRange   = errors.New("date field out of range")
	ErrUnsupportedColumnType = errors.New("unsupported column type")
	ErrAssertionFailed       = errors.New("assertion failed")
	ErrNoTransaction         = errors.New("no transaction in progress")
	ErrNestedTransaction     = errors.New("transaction already in progress")
	ErrNoConnection          = errors.New("no server connection")
	ErrInvalidObserverType   = errors.New("invalid observer type")
	ErrDuplicatedObserver    = errors.New("duplicated observer")
)

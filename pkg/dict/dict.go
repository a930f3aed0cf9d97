package dict

import (
	"encoding/json"

	"github.com/pingcap/errors"
	"github.com/siddontang/go-mysql/mysql"
)

// A Dictionary maps statement names to parameterized SQL statements. It is
// loaded once per connection and read-only afterwards.
type Dictionary struct {
	Statements map[string]*Statement `json:"statements"`
}

// Statement is one dictionary entry. StatementText lines are concatenated
// to form the SQL text; parameters are declared in binding order.
type Statement struct {
	StatementText []string     `json:"statement_text"`
	Parameters    []*Parameter `json:"parameters"`
}

type Parameter struct {
	Name      string `json:"name"`
	ParamType string `json:"param_type"`
	DataType  string `json:"data_type"`
}

// ParamType distinguishes parameters bound through the prepared-statement
// protocol from parameters spliced into the SQL text.
type ParamType int

const (
	Marker ParamType = iota
	Substitute
)

const (
	ParamTypeMarker     = "marker"
	ParamTypeSubstitute = "substitute"
)

var (
	ErrCorruptDictionary   = errors.New("statement dictionary corrupt")
	ErrUnknownParamType    = errors.New("unknown parameter type")
	ErrUnsupportedDataType = errors.New("unsupported parameter datatype")
)

var dataTypeCodes = map[string]byte{
	"int":       mysql.MYSQL_TYPE_LONG,
	"double":    mysql.MYSQL_TYPE_DOUBLE,
	"string":    mysql.MYSQL_TYPE_STRING,
	"date":      mysql.MYSQL_TYPE_DATE,
	"time":      mysql.MYSQL_TYPE_TIME,
	"datetime":  mysql.MYSQL_TYPE_DATETIME,
	"timestamp": mysql.MYSQL_TYPE_TIMESTAMP,
}

// Parse decodes a dictionary document. Unknown fields are ignored.
func Parse(data []byte) (*Dictionary, error) {
	var dict Dictionary
	if err := json.Unmarshal(data, &dict); err != nil {
		return nil, errors.WithMessage(ErrCorruptDictionary, err.Error())
	}
	if dict.Statements == nil {
		return nil, ErrCorruptDictionary
	}
	return &dict, nil
}

// Get returns the named statement, or nil if the dictionary has no entry.
func (d *Dictionary) Get(name string) *Statement {
	return d.Statements[name]
}

// ParamTypeCode converts the declared param_type string.
func (p *Parameter) ParamTypeCode() (ParamType, error) {
	switch p.ParamType {
	case ParamTypeMarker:
		return Marker, nil
	case ParamTypeSubstitute:
		return Substitute, nil
	default:
		return 0, errors.WithMessage(ErrUnknownParamType, p.ParamType)
	}
}

// DataTypeCode converts the declared data_type string to the server's
// field type code.
func (p *Parameter) DataTypeCode() (byte, error) {
	code, ok := dataTypeCodes[p.DataType]
	if !ok {
		return 0, errors.WithMessage(ErrUnsupportedDataType, p.DataType)
	}
	return code, nil
}

package sqlclient

import (
	"fmt"
	"time"

	"github.com/siddontang/go-mysql/mysql"
)

// Results is the structured document an execution retrieves: a column map
// (field name to server type code) and one object per row.
type Results struct {
	Columns map[string]int `json:"columns"`
	Rows    []Row          `json:"rows"`
}

// Row maps column names to decoded values. Temporal columns decompose
// into year/month/day/hour/minute/second objects.
type Row map[string]interface{}

// retrieveResults builds the column bindings from the returned field
// metadata, then fetches rows one at a time through the row buffer.
func (e *Execution) retrieveResults() int {
	e.retrieveTime = time.Now()
	result := e.result

	// two-pass column binding: size the row buffer, then record offsets
	fields := result.Fields
	e.colBinds = make([]colBind, len(fields))
	rowBufferLen := 0
	for i, field := range fields {
		rowBufferLen += e.sizeColumn(field, &e.colBinds[i], rowBufferLen)
	}
	e.rowBuf = make([]byte, rowBufferLen)

	results := &Results{
		Columns: make(map[string]int, len(fields)),
		Rows:    []Row{},
	}
	for _, field := range fields {
		results.Columns[string(field.Name)] = int(field.Type)
	}
	e.results = results

	e.rowCount = 0
	for rowIdx := range result.Values {
		if rc := e.storeResultRow(rowIdx); rc != 0 {
			return rc
		}
		e.rowCount++
	}
	return e.changeState(StateStatementComplete)
}

// storeResultRow moves one row through the row buffer: values are written
// into their slots, then read back out through the typed field reader into
// the results document. Variable-length columns fetch through the overflow
// buffer at their true length.
func (e *Execution) storeResultRow(rowIdx int) int {
	writer := &bufferWriter{buf: e.rowBuf}
	reader := &fieldReader{buf: e.rowBuf}
	row := make(Row, len(e.colBinds))

	for i := range e.colBinds {
		bind := &e.colBinds[i]
		value := &e.result.Values[rowIdx][i]

		if value.Type == mysql.FieldValueTypeNull {
			writer.putByte(bind.nullOffset, 1)
			row[bind.name] = nil
			continue
		}
		writer.putByte(bind.nullOffset, 0)

		switch bind.typeCode {
		case mysql.MYSQL_TYPE_TINY, mysql.MYSQL_TYPE_SHORT, mysql.MYSQL_TYPE_INT24,
			mysql.MYSQL_TYPE_LONG, mysql.MYSQL_TYPE_LONGLONG:
			if value.Type == mysql.FieldValueTypeUnsigned {
				writer.putInt64(bind.offset, int64(value.AsUint64()))
			} else {
				writer.putInt64(bind.offset, value.AsInt64())
			}
			row[bind.name] = reader.int64At(bind.offset)

		case mysql.MYSQL_TYPE_FLOAT, mysql.MYSQL_TYPE_DOUBLE:
			writer.putFloat64(bind.offset, value.AsFloat64())
			row[bind.name] = reader.float64At(bind.offset)

		case mysql.MYSQL_TYPE_STRING, mysql.MYSQL_TYPE_VAR_STRING, mysql.MYSQL_TYPE_ENUM:
			data := value.AsString()
			length := len(data)
			writer.putInt64(bind.offset, int64(length))
			buffer := e.overflowBuffer(length)
			copy(buffer, data)
			row[bind.name] = string(buffer[:reader.int64At(bind.offset)])

		case mysql.MYSQL_TYPE_DATE, mysql.MYSQL_TYPE_TIME,
			mysql.MYSQL_TYPE_DATETIME, mysql.MYSQL_TYPE_TIMESTAMP:
			tv, err := parseTimeString(string(value.AsString()), bind.typeCode)
			if err != nil || tv == nil {
				return e.reportError(fmt.Sprintf(
					"bad temporal value in column %s of statement %s", bind.name, e.statementName), 1)
			}
			writer.putTime(bind.offset, tv)
			row[bind.name] = decomposeTime(reader.timeAt(bind.offset), bind.typeCode)

		default:
			return e.reportError(fmt.Sprintf(
				"column %s has unsupported type %d", bind.name, bind.typeCode), 1)
		}
	}

	e.results.Rows = append(e.results.Rows, row)
	return 0
}

// decomposeTime renders a temporal value as the field map callers see:
// dates omit time fields, times omit date fields, and the fractional part
// only appears when non-zero.
func decomposeTime(tv timeVal, typeCode byte) map[string]interface{} {
	value := make(map[string]interface{}, 7)
	if typeCode != mysql.MYSQL_TYPE_TIME {
		value["year"] = tv.Year
		value["month"] = tv.Month
		value["day"] = tv.Day
	}
	if typeCode != mysql.MYSQL_TYPE_DATE {
		value["hour"] = tv.Hour
		value["minute"] = tv.Minute
		value["second"] = tv.Second
		if tv.SecondPart != 0 {
			value["second_part"] = tv.SecondPart
		}
	}
	return value
}

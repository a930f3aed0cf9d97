package sqlclient

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/siddontang/go-mysql/mysql"
)

// Binding packs parameter and row values into contiguous byte buffers the
// way the native client lays them out. Sizing and filling are separate
// passes over the same bind records; all type punning is confined to the
// bufferWriter/fieldReader pair below.
const (
	scalarSlotSize = 8
	// year(2) month(1) day(1) hour(1) minute(1) second(1) microsecond(4),
	// padded to keep slots aligned
	binaryTimeSize = 12
	lengthSlotSize = 8
	nullFlagSize   = 1
)

// paramBind describes one marker parameter's slot in the packed buffer.
// String parameters keep no slot: they bind from the setting's own storage
// for the duration of the execute call.
type paramBind struct {
	typeCode byte
	isNull   bool
	offset   int
	size     int
	str      string
}

// colBind describes one result column's slot in the row buffer. Columns of
// unpredictable length (strings, enums) hold only a length slot; their
// bytes go through the overflow buffer.
type colBind struct {
	name       string
	typeCode   byte
	offset     int
	size       int
	varLen     bool
	nullOffset int
}

type bufferWriter struct {
	buf []byte
}

func (w *bufferWriter) putInt64(off int, v int64) {
	binary.LittleEndian.PutUint64(w.buf[off:], uint64(v))
}

func (w *bufferWriter) putFloat64(off int, v float64) {
	binary.LittleEndian.PutUint64(w.buf[off:], math.Float64bits(v))
}

func (w *bufferWriter) putByte(off int, v byte) {
	w.buf[off] = v
}

func (w *bufferWriter) putTime(off int, t *timeVal) {
	binary.LittleEndian.PutUint16(w.buf[off:], uint16(t.Year))
	w.buf[off+2] = byte(t.Month)
	w.buf[off+3] = byte(t.Day)
	w.buf[off+4] = byte(t.Hour)
	w.buf[off+5] = byte(t.Minute)
	w.buf[off+6] = byte(t.Second)
	binary.LittleEndian.PutUint32(w.buf[off+7:], uint32(t.SecondPart))
}

type fieldReader struct {
	buf []byte
}

func (r *fieldReader) int64At(off int) int64 {
	return int64(binary.LittleEndian.Uint64(r.buf[off:]))
}

func (r *fieldReader) float64At(off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(r.buf[off:]))
}

func (r *fieldReader) byteAt(off int) byte {
	return r.buf[off]
}

func (r *fieldReader) timeAt(off int) timeVal {
	return timeVal{
		Year:       int(binary.LittleEndian.Uint16(r.buf[off:])),
		Month:      int(r.buf[off+2]),
		Day:        int(r.buf[off+3]),
		Hour:       int(r.buf[off+4]),
		Minute:     int(r.buf[off+5]),
		Second:     int(r.buf[off+6]),
		SecondPart: int(binary.LittleEndian.Uint32(r.buf[off+7:])),
	}
}

// bindParameter handles a single marker parameter. Called once per pass:
// with a nil writer it reports the buffer space the value needs, with a
// writer it fills the slot at the given offset and completes the bind
// record.
func (e *Execution) bindParameter(setting *Setting, bind *paramBind, w *bufferWriter, offset int) (int, error) {
	bind.typeCode = setting.DataType
	required := 0

	switch setting.DataType {
	case mysql.MYSQL_TYPE_LONG:
		required = scalarSlotSize
		if w != nil {
			bind.offset = offset
			bind.size = required
			if setting.HasValue {
				v, ok := toIntValue(setting.Value)
				if !ok {
					return 0, fmt.Errorf("parameter '%s' must be an integer", setting.Name)
				}
				w.putInt64(offset, v)
				bind.isNull = false
			} else {
				w.putInt64(offset, 0)
				bind.isNull = true
			}
		}

	case mysql.MYSQL_TYPE_DOUBLE:
		required = scalarSlotSize
		if w != nil {
			bind.offset = offset
			bind.size = required
			if setting.HasValue {
				v, ok := toFloatValue(setting.Value)
				if !ok {
					return 0, fmt.Errorf("parameter '%s' must be a double", setting.Name)
				}
				w.putFloat64(offset, v)
				bind.isNull = false
			} else {
				w.putFloat64(offset, 0)
				bind.isNull = true
			}
		}

	case mysql.MYSQL_TYPE_STRING:
		if w != nil {
			if setting.HasValue {
				v, ok := toStringValue(setting.Value)
				if !ok {
					return 0, fmt.Errorf("parameter '%s' must be a string", setting.Name)
				}
				bind.str = v
				bind.isNull = false
			} else {
				bind.isNull = true
			}
		}

	case mysql.MYSQL_TYPE_DATE, mysql.MYSQL_TYPE_TIME,
		mysql.MYSQL_TYPE_DATETIME, mysql.MYSQL_TYPE_TIMESTAMP:
		required = binaryTimeSize
		if w != nil {
			bind.offset = offset
			bind.size = required
			bind.isNull = true
			if setting.HasValue {
				s, ok := toStringValue(setting.Value)
				if !ok {
					return 0, fmt.Errorf("parameter '%s' must be a date/time string", setting.Name)
				}
				tv, err := parseTimeString(s, setting.DataType)
				if err != nil {
					return 0, err
				}
				if tv != nil {
					w.putTime(offset, tv)
					bind.isNull = false
				}
			}
		}
	}

	return required, nil
}

// sizeColumn computes the row-buffer layout for one result column and
// completes its bind record. Fixed-size columns reserve a value slot;
// variable-length columns reserve a length slot and route their bytes
// through the overflow buffer. Every column carries a null flag.
func (e *Execution) sizeColumn(field *mysql.Field, bind *colBind, offset int) int {
	bind.name = string(field.Name)
	bind.typeCode = field.Type
	bind.offset = offset
	bind.size = scalarSlotSize
	bind.varLen = false

	switch field.Type {
	case mysql.MYSQL_TYPE_STRING, mysql.MYSQL_TYPE_VAR_STRING, mysql.MYSQL_TYPE_ENUM:
		bind.size = lengthSlotSize
		bind.varLen = true
	case mysql.MYSQL_TYPE_DATE, mysql.MYSQL_TYPE_TIME,
		mysql.MYSQL_TYPE_DATETIME, mysql.MYSQL_TYPE_TIMESTAMP:
		bind.size = binaryTimeSize
	}

	bind.nullOffset = offset + bind.size
	return bind.size + nullFlagSize
}

// overflowBuffer returns the shared variable-length column buffer, grown
// to exactly the reported length when it does not fit.
func (e *Execution) overflowBuffer(size int) []byte {
	if size > len(e.blobBuf) {
		e.blobBuf = make([]byte, size)
	}
	return e.blobBuf
}

// materializeArgs turns the bind array and packed buffer back into the
// value list handed to the server's execute call.
func (e *Execution) materializeArgs() []interface{} {
	if len(e.paramBinds) == 0 {
		return nil
	}
	reader := &fieldReader{buf: e.paramBuf}
	args := make([]interface{}, len(e.paramBinds))
	for i := range e.paramBinds {
		bind := &e.paramBinds[i]
		if bind.isNull {
			args[i] = nil
			continue
		}
		switch bind.typeCode {
		case mysql.MYSQL_TYPE_LONG:
			args[i] = reader.int64At(bind.offset)
		case mysql.MYSQL_TYPE_DOUBLE:
			args[i] = reader.float64At(bind.offset)
		case mysql.MYSQL_TYPE_STRING:
			args[i] = bind.str
		case mysql.MYSQL_TYPE_DATE, mysql.MYSQL_TYPE_TIME,
			mysql.MYSQL_TYPE_DATETIME, mysql.MYSQL_TYPE_TIMESTAMP:
			tv := reader.timeAt(bind.offset)
			args[i] = tv.formatArg(bind.typeCode)
		}
	}
	return args
}

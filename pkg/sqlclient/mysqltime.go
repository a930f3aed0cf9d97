package sqlclient

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pingcap/errors"
	"github.com/siddontang/go-mysql/mysql"
)

// notADateTime is the literal that validates as "no time supplied": the
// parameter binds NULL instead of failing.
const notADateTime = "not-a-date-time"

var (
	datePattern = regexp.MustCompile(`^(\d+)[-_/](\d+)[-_/](\d+)`)
	timePattern = regexp.MustCompile(`(\d+):(\d+):(\d+)(?:\.(\d+))?`)
)

// timeVal is a decomposed temporal value, the analogue of the server's
// binary time record.
type timeVal struct {
	Year       int
	Month      int
	Day        int
	Hour       int
	Minute     int
	Second     int
	SecondPart int
}

// parseTimeString validates and decomposes an ISO-like date/time string
// for the given field type. The date part is consulted for everything but
// pure times, the time part for everything but pure dates. A nil timeVal
// with a nil error means the value is absent (the "not-a-date-time"
// sentinel).
func parseTimeString(timeString string, typeCode byte) (*timeVal, error) {
	if timeString == notADateTime {
		return nil, nil
	}

	var tv timeVal

	if typeCode != mysql.MYSQL_TYPE_TIME {
		m := datePattern.FindStringSubmatch(timeString)
		if m == nil {
			return nil, errors.WithMessage(ErrDateParse,
				fmt.Sprintf("parameter '%s' not in correct format: expect yyyy-mm-dd", timeString))
		}
		tv.Year, _ = strconv.Atoi(m[1])
		tv.Month, _ = strconv.Atoi(m[2])
		tv.Day, _ = strconv.Atoi(m[3])
		if tv.Year < 100 && len(m[1]) <= 2 {
			tv.Year += 2000
		}
		if (tv.Year < 1970 || tv.Year > 3000) && tv.Year != 9999 {
			return nil, errors.WithMessage(ErrDateFieldOutOfRange,
				fmt.Sprintf("illegal year %d in parameter '%s'", tv.Year, timeString))
		}
		if tv.Month < 1 || tv.Month > 12 {
			return nil, errors.WithMessage(ErrDateFieldOutOfRange,
				fmt.Sprintf("illegal month %d in parameter '%s'", tv.Month, timeString))
		}
		if tv.Day < 1 || tv.Day > 31 {
			return nil, errors.WithMessage(ErrDateFieldOutOfRange,
				fmt.Sprintf("illegal day %d in parameter '%s'", tv.Day, timeString))
		}
	}

	if typeCode != mysql.MYSQL_TYPE_DATE {
		m := timePattern.FindStringSubmatch(timeString)
		if m == nil {
			return nil, errors.WithMessage(ErrDateParse,
				fmt.Sprintf("parameter '%s' not in correct format: expect hh:mm:ss.ffffff", timeString))
		}
		tv.Hour, _ = strconv.Atoi(m[1])
		tv.Minute, _ = strconv.Atoi(m[2])
		tv.Second, _ = strconv.Atoi(m[3])
		if m[4] != "" {
			tv.SecondPart, _ = strconv.Atoi(m[4])
		}
	}

	return &tv, nil
}

// formatArg renders the value the way the server expects it on the wire
// for the given field type.
func (t *timeVal) formatArg(typeCode byte) string {
	switch typeCode {
	case mysql.MYSQL_TYPE_DATE:
		return fmt.Sprintf("%04d-%02d-%02d", t.Year, t.Month, t.Day)
	case mysql.MYSQL_TYPE_TIME:
		if t.SecondPart != 0 {
			return fmt.Sprintf("%02d:%02d:%02d.%06d", t.Hour, t.Minute, t.Second, t.SecondPart)
		}
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	default:
		if t.SecondPart != 0 {
			return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%06d",
				t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second, t.SecondPart)
		}
		return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
			t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second)
	}
}

package urbit

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"strconv"
	"time"
)

// maxEventSize bounds a single event's data; a newest-N scry result pushed
// as a diff can be large.
const maxEventSize = 4 << 20

// sseReader splits a text/event-stream body into events. Eyre only sets the
// id and data fields but the reader follows the whole W3C format.
type sseReader struct {
	s           *bufio.Scanner
	buf         bytes.Buffer
	lastEventID []byte

	Type        []byte
	Data        []byte
	LastEventID []byte

	Err   error
	Retry time.Duration
}

func newSSEReader(r io.Reader) *sseReader {
	sr := &sseReader{s: bufio.NewScanner(r)}
	sr.s.Buffer(nil, maxEventSize)
	return sr
}

// Next advances to the next event. Data is only valid until the following
// call.
func (sr *sseReader) Next() bool {
	var eventType []byte
	sr.buf.Reset()

	for sr.s.Scan() {
		line := sr.s.Bytes()

		if len(line) == 0 {
			if sr.buf.Len() == 0 {
				eventType = nil
				continue
			}
			data := sr.buf.Bytes()
			sr.Type = eventType
			sr.Data = data[:len(data)-1]
			sr.LastEventID = sr.lastEventID
			return true
		}

		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if colon := bytes.IndexByte(line, ':'); colon >= 0 {
			field, value = line[:colon], line[colon+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}

		switch string(field) {
		case "event":
			eventType = append([]byte(nil), value...)
		case "data":
			sr.buf.Write(value)
			sr.buf.WriteByte('\n')
		case "id":
			sr.lastEventID = append([]byte(nil), value...)
		case "retry":
			if v, err := strconv.ParseUint(string(bytes.TrimSpace(value)), 10, 64); err == nil {
				const maxMillis = uint64(math.MaxInt64 / int64(time.Millisecond))
				sr.Retry = time.Duration(min(v, maxMillis)) * time.Millisecond
			}
		}
	}

	sr.Type = nil
	sr.Data = nil
	sr.Err = sr.s.Err()
	return false
}

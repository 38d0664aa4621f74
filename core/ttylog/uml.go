package ttylog

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"
)

type mockFdOp int32

const (
	opOpen  mockFdOp = 1
	opClose mockFdOp = 2
	opWrite mockFdOp = 3
	opExec  mockFdOp = 4
)

type mockFdDir int32

const (
	dirRead  mockFdDir = 1
	dirWrite mockFdDir = 2
)

// umlEvent is the fixed header preceding each data chunk on disk.
type umlEvent struct {
	Operation    int32  // Operation, maps into mockFdOp.
	Tty          uint32 // Should always be 0.
	Size         int32  // Number of bytes following this event that represent the data.
	Direction    int32  // Data direction, maps into mockFdDir.
	Seconds      uint32 // UNIX timestamp of the event.
	Microseconds uint32 // Microseconds after the timestamp of the event.
}

// According to Kippo, the format matches User Mode Linux recording.
func writeUMLEvent(out io.Writer, timestamp time.Time, fd FD, op mockFdOp, data []byte) error {
	sec := timestamp.UnixNano() / int64(time.Second)
	usec := (timestamp.UnixNano() % int64(time.Second)) / int64(time.Microsecond)

	direction := dirWrite
	if fd == Stdin {
		direction = dirRead
	}

	header := umlEvent{
		Operation:    int32(op),
		Tty:          0,
		Size:         int32(len(data)),
		Direction:    int32(direction),
		Seconds:      uint32(sec),
		Microseconds: uint32(usec),
	}
	if err := binary.Write(out, binary.LittleEndian, &header); err != nil {
		return err
	}

	if len(data) > 0 {
		if _, err := out.Write(data); err != nil {
			return err
		}
	}

	return nil
}

// NewUMLLogSink creates a LogSink compatible with the user-mode-linux TTY
// format.
func NewUMLLogSink(w io.Writer) LogSink {
	return func(entry *Entry) error {
		timestamp := time.UnixMicro(entry.TimestampMicros)

		if entry.Close {
			return writeUMLEvent(w, timestamp, entry.Fd, opClose, nil)
		}
		return writeUMLEvent(w, timestamp, entry.Fd, opWrite, entry.Data)
	}
}

// UMLLogSource parses log events from a user-mode-linux/Kippo formatted file.
type UMLLogSource struct {
	r io.Reader
}

var _ LogSource = (*UMLLogSource)(nil)

// NewUMLLogSource reads log events from a user-mode-linux/Kippo formatted
// file.
func NewUMLLogSource(r io.Reader) *UMLLogSource {
	return &UMLLogSource{r: r}
}

// Next gets the next log entry, it returns io.EOF if there are no more.
func (log *UMLLogSource) Next() (*Entry, error) {
	eventPtr := &umlEvent{}
	buf := &bytes.Buffer{}

	for {
		if err := binary.Read(log.r, binary.LittleEndian, eventPtr); err != nil {
			return nil, io.EOF
		}
		buf.Reset()
		if _, err := io.CopyN(buf, log.r, int64(eventPtr.Size)); err != nil {
			return nil, err
		}

		logTime := (int64(eventPtr.Seconds) * int64(time.Second)) / int64(time.Microsecond)
		logTime += int64(eventPtr.Microseconds)

		// UML doesn't distinguish between stdout and stderr so we'll report
		// it all as stdout.
		fd := Stdout
		if mockFdDir(eventPtr.Direction) == dirRead {
			fd = Stdin
		}

		switch mockFdOp(eventPtr.Operation) {
		case opClose:
			return &Entry{TimestampMicros: logTime, Fd: fd, Close: true}, nil
		case opWrite:
			data := make([]byte, buf.Len())
			copy(data, buf.Bytes())
			return &Entry{TimestampMicros: logTime, Fd: fd, Data: data}, nil
		case opOpen, opExec:
			fallthrough
		default:
			// Skip unknown or non-I/O operations
			continue
		}
	}
}

package lineedit

import (
	"bufio"
	"io"
)

// StreamReader adapts an io.Reader into a ByteSource.
type StreamReader struct {
	r *bufio.Reader
}

// NewStreamReader returns a buffered ByteSource over r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: bufio.NewReader(r)}
}

func (s *StreamReader) ReadByte() (byte, error) {
	return s.r.ReadByte()
}

// KeyReader translates raw-mode terminal input into editor input. Raw mode
// delivers Enter as carriage return and control characters in band, so the
// translation happens here and the editor sees only the bytes it handles:
//
//	CR  -> NL
//	^C  -> ErrInterrupted
//	^D  -> io.EOF
type KeyReader struct {
	src ByteSource
}

// NewKeyReader wraps src with raw-mode key translation.
func NewKeyReader(src ByteSource) *KeyReader {
	return &KeyReader{src: src}
}

func (k *KeyReader) ReadByte() (byte, error) {
	b, err := k.src.ReadByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case '\r':
		return '\n', nil
	case 0x03:
		return 0, ErrInterrupted
	case 0x04:
		return 0, io.EOF
	}
	return b, nil
}

package kernel

import (
	"bufio"
	"bytes"
	"io"
)

const maxFrameBytes = 1 << 20

// readSSE parses a text/event-stream body and calls emit with the data of
// each event. Comment lines (":keepalive") and event/id fields are ignored.
// Stops when emit returns false or the body ends.
func readSSE(r io.Reader, emit func([]byte) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var data bytes.Buffer
	flush := func() bool {
		if data.Len() == 0 {
			return true
		}
		frame := bytes.Clone(data.Bytes())
		data.Reset()
		return emit(frame)
	}

	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if !flush() {
				return nil
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	flush()
	return io.ErrUnexpectedEOF
}

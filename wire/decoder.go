package wire

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
)

// maxLineSize bounds a single wire line; frames larger than this are rejected.
const maxLineSize = 1 << 20

// Decoder reads frames from a stream.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)

	return &Decoder{sc: sc}
}

// Next returns the next complete frame. It returns io.EOF when the stream ends
// cleanly between frames and io.ErrUnexpectedEOF when it ends mid-frame.
func (d *Decoder) Next() (*Frame, error) {
	var (
		f       Frame
		data    [][]byte
		hasData bool
		started bool
	)

	for d.sc.Scan() {
		line := bytes.TrimSuffix(d.sc.Bytes(), []byte("\r"))

		if len(line) == 0 {
			if !started {
				continue
			}

			if hasData {
				f.Data = bytes.Join(data, []byte("\n"))
			}

			return &f, nil
		}

		if line[0] == ':' {
			continue
		}

		started = true
		field, value := splitField(line)

		switch field {
		case "id":
			f.ID = value
		case "event":
			f.Event = value
		case "data":
			hasData = true
			data = append(data, []byte(value))
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				f.Retry = n
			}
		}
	}

	if err := d.sc.Err(); err != nil {
		return nil, err
	}

	if started {
		return nil, io.ErrUnexpectedEOF
	}

	return nil, io.EOF
}

func splitField(line []byte) (string, string) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), ""
	}

	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}

	return string(line[:i]), string(value)
}

package bridge

import "bytes"

// Framer splits an incoming byte stream into complete lines, tolerating
// arbitrary chunk boundaries. Blank lines are skipped; the trailing partial
// line is kept until more bytes arrive.
type Framer struct {
	residual []byte
}

// Push appends a chunk and returns every complete line it closed.
func (f *Framer) Push(chunk []byte) [][]byte {
	f.residual = append(f.residual, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(f.residual, '\n')
		if i < 0 {
			return lines
		}
		line := f.residual[:i]
		f.residual = f.residual[i+1:]

		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}
}

// Pending returns the current partial line (for tests).
func (f *Framer) Pending() []byte {
	return f.residual
}

package daemon

import "bytes"

const maxPartialLine = 64 * 1024

// outputSpool keeps the last max lines a shell printed so a reattaching
// client can be shown recent output. Callers serialize access.
type outputSpool struct {
	max     int
	lines   [][]byte
	start   int
	partial []byte
}

func newOutputSpool(max int) *outputSpool {
	return &outputSpool{max: max}
}

func (s *outputSpool) Write(p []byte) {
	if s == nil || s.max <= 0 {
		return
	}
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			s.partial = append(s.partial, p...)
			if len(s.partial) > maxPartialLine {
				s.partial = append(s.partial[:0], s.partial[len(s.partial)-maxPartialLine:]...)
			}
			return
		}
		line := make([]byte, 0, len(s.partial)+i+1)
		line = append(line, s.partial...)
		line = append(line, p[:i+1]...)
		s.partial = s.partial[:0]
		s.push(line)
		p = p[i+1:]
	}
}

func (s *outputSpool) push(line []byte) {
	if len(s.lines) < s.max {
		s.lines = append(s.lines, line)
		return
	}
	s.lines[s.start] = line
	s.start = (s.start + 1) % s.max
}

// Snapshot returns the spooled lines oldest first, followed by any
// unterminated trailing output.
func (s *outputSpool) Snapshot() []byte {
	if s == nil {
		return nil
	}
	var buf bytes.Buffer
	for i := range s.lines {
		buf.Write(s.lines[(s.start+i)%len(s.lines)])
	}
	buf.Write(s.partial)
	return buf.Bytes()
}

package provider

import (
	"bufio"
	"io"
	"strings"
)

// sseScanner reads Server-Sent Events. Events are delimited by blank
// lines; "data:" lines carry the payload and are joined with newlines.
// Comments and other fields are ignored.
type sseScanner struct {
	reader  *bufio.Reader
	current string
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event with data. It returns false at EOF or
// on a read error; Err distinguishes the two.
func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = ""

	var data []string
	hasData := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				s.current = strings.Join(data, "\n")
				return true
			}
			return false
		}
		partial := err != nil

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.current = strings.Join(data, "\n")
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			data = append(data, strings.TrimPrefix(value, " "))
			hasData = true
		}

		if partial {
			s.err = err
			if err == io.EOF && hasData {
				s.current = strings.Join(data, "\n")
				return true
			}
			// A line cut off by a read error is dropped.
			return false
		}
	}
}

// Data returns the payload of the current event.
func (s *sseScanner) Data() string {
	return s.current
}

// Err returns the read error that ended scanning, or nil on clean EOF.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

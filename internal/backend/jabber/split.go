package jabber

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
)

// splitter cuts an XMPP stream into the stream header, top-level stanzas
// and the closing tag. It keeps state because the header is never closed.
type splitter struct {
	open bool
}

func newSplit() bufio.SplitFunc {
	s := &splitter{}
	return s.split
}

func isTruncated(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var se *xml.SyntaxError
	return errors.As(err, &se) && se.Msg == "unexpected EOF"
}

func (s *splitter) split(data []byte, atEOF bool) (int, []byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	start := -1
	for {
		off := int(dec.InputOffset())
		tok, err := dec.RawToken()
		if err != nil {
			if !isTruncated(err) {
				return 0, nil, err
			}
			if depth == 0 && len(bytes.TrimSpace(data[off:])) == 0 {
				// Only whitespace keepalives left.
				return len(data), nil, nil
			}
			if atEOF {
				return 0, nil, io.ErrUnexpectedEOF
			}
			return 0, nil, nil
		}
		end := int(dec.InputOffset())

		switch t := tok.(type) {
		case xml.ProcInst:
			if depth == 0 {
				return end, nil, nil
			}
		case xml.StartElement:
			if depth == 0 && !s.open && t.Name.Local == "stream" {
				s.open = true
				return end, data[off:end], nil
			}
			if depth == 0 {
				start = off
			}
			depth++
		case xml.EndElement:
			if depth == 0 {
				s.open = false
				return end, data[off:end], nil
			}
			depth--
			if depth == 0 {
				return end, data[start:end], nil
			}
		}
	}
}

package msn

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

const maxPayload = 64 << 10

var (
	crlf = []byte("\r\n")

	errBadPayloadLen = errors.New("bad payload length")
)

// payloadLen reports the byte count that follows a command line carrying a
// body. Server MSG lines put it fourth, NOT lines second.
func payloadLen(head []byte) (int, bool, error) {
	fields := bytes.Fields(head)
	if len(fields) == 0 {
		return 0, false, nil
	}
	var raw []byte
	switch string(fields[0]) {
	case "MSG":
		if len(fields) != 4 {
			return 0, false, nil
		}
		raw = fields[3]
	case "NOT":
		if len(fields) != 2 {
			return 0, false, nil
		}
		raw = fields[1]
	default:
		return 0, false, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 || n > maxPayload {
		return 0, false, fmt.Errorf("%w: %q", errBadPayloadLen, raw)
	}
	return n, true, nil
}

// split cuts the stream into command lines; MSG and NOT tokens also carry
// their payload, joined to the line by CRLF.
func split(data []byte, atEOF bool) (int, []byte, error) {
	i := bytes.Index(data, crlf)
	if i < 0 {
		if atEOF && len(data) > 0 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	n, body, err := payloadLen(data[:i])
	if err != nil {
		return 0, nil, err
	}
	if !body {
		return i + 2, data[:i], nil
	}
	total := i + 2 + n
	if len(data) < total {
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	return total, data[:total], nil
}

type packet struct {
	cmd     string
	trid    uint32
	hasTrid bool
	args    []string
	payload []byte
}

// Replies that echo the client transaction id.
var tridCommands = map[string]bool{
	"VER": true, "CVR": true, "USR": true, "CHG": true, "SYN": true,
	"ADC": true, "REM": true, "ACK": true, "NAK": true, "ILN": true,
	"PRP": true, "ADG": true,
}

func isNumeric(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func parsePacket(pkt []byte) (packet, error) {
	line, payload, _ := bytes.Cut(pkt, crlf)
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return packet{}, errors.New("empty packet")
	}
	p := packet{cmd: fields[0], payload: payload}
	rest := fields[1:]
	if (tridCommands[p.cmd] || isNumeric(p.cmd)) && len(rest) > 0 {
		n, err := strconv.ParseUint(rest[0], 10, 32)
		if err != nil {
			return packet{}, fmt.Errorf("bad transaction id %q in %s", rest[0], p.cmd)
		}
		p.trid, p.hasTrid = uint32(n), true
		rest = rest[1:]
	}
	p.args = rest
	return p, nil
}

func (p packet) arg(i int) string {
	if i < len(p.args) {
		return p.args[i]
	}
	return ""
}

func command(cmd string, trid uint32, args ...string) []byte {
	var b bytes.Buffer
	b.WriteString(cmd)
	fmt.Fprintf(&b, " %d", trid)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	b.Write(crlf)
	return b.Bytes()
}

// message builds "MSG trid A len" followed by the MIME payload.
func message(trid uint32, headers [][2]string, body string) []byte {
	var payload bytes.Buffer
	payload.WriteString("MIME-Version: 1.0\r\n")
	for _, h := range headers {
		payload.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	payload.Write(crlf)
	payload.WriteString(body)

	out := command("MSG", trid, "A", strconv.Itoa(payload.Len()))
	return append(out, payload.Bytes()...)
}

func parseMIME(payload []byte) (textproto.MIMEHeader, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(payload))
	hdr, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("failed to read message headers: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, nil, err
	}
	return hdr, body, nil
}

// encodeName percent-encodes every byte that is not a letter or digit.
func encodeName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func decodeName(s string) string {
	out, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return out
}

// keyValue pulls "N=acct" style arguments out of a packet.
func keyValue(args []string, key string) string {
	prefix := key + "="
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, prefix); ok {
			return v
		}
	}
	return ""
}

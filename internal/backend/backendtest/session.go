// Package backendtest provides a recording Session for backend tests.
package backendtest

import (
	"bytes"
	"strings"
	"sync"

	"palaver/internal/backend"
	"palaver/internal/models"
)

type Session struct {
	Sock  models.SocketID
	Proto models.ProtocolID
	Info  backend.OwnerInfo
	St    backend.State
	// WriteErr, when set, fails every Write.
	WriteErr error

	mu   sync.Mutex
	buf  bytes.Buffer
	data any
}

func NewSession(proto models.ProtocolID, account, password string) *Session {
	return &Session{
		Sock:  7,
		Proto: proto,
		St:    backend.StateConnected,
		Info: backend.OwnerInfo{
			ID:       models.UserID{Protocol: proto, Account: account},
			Password: password,
			Status:   models.StatusOnline,
		},
	}
}

func (s *Session) Socket() models.SocketID { return s.Sock }
func (s *Session) Protocol() models.ProtocolID { return s.Proto }
func (s *Session) Owner() backend.OwnerInfo { return s.Info }
func (s *Session) State() backend.State { return s.St }
func (s *Session) Data() any { return s.data }
func (s *Session) SetData(v any) { s.data = v }

func (s *Session) Write(p []byte) error {
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	return nil
}

// Written returns and clears everything written so far.
func (s *Session) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf.String()
	s.buf.Reset()
	return out
}

// Lines splits Written on sep, dropping the trailing empty element.
func (s *Session) Lines(sep string) []string {
	w := s.Written()
	if w == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(w, sep), sep)
}

// Apply mirrors the reactor: a state change in out is kept.
func (s *Session) Apply(out backend.Outcome) backend.Outcome {
	if out.State != backend.StateUnchanged {
		s.St = out.State
	}
	return out
}

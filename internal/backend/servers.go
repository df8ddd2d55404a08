package backend

import (
	"sync"

	"palaver/internal/models"
)

// MaxServerRetries is how many times one server is retried before moving on.
const MaxServerRetries = 3

// RemoteServer is one logon endpoint with its retry counter.
type RemoteServer struct {
	models.Server
	retries int
}

// Retry reports whether the server may be tried again.
func (s *RemoteServer) Retry() bool {
	return s.retries < MaxServerRetries
}

// Retrying counts a failed attempt.
func (s *RemoteServer) Retrying() {
	s.retries++
}

// OK resets the retry counter after a successful connection.
func (s *RemoteServer) OK() {
	s.retries = 0
}

// RemoteServers is the failover list for one network. The cursor starts
// before the first entry.
type RemoteServers struct {
	mu      sync.Mutex
	servers []*RemoteServer
	current int
}

func NewRemoteServers(servers ...models.Server) *RemoteServers {
	rs := &RemoteServers{current: -1}
	for _, s := range servers {
		rs.Add(s)
	}
	return rs
}

func (rs *RemoteServers) Add(s models.Server) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.servers = append(rs.servers, &RemoteServer{Server: s})
}

func (rs *RemoteServers) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.servers)
}

// Current returns nil until Next or Set has been called.
func (rs *RemoteServers) Current() *RemoteServer {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.current < 0 {
		return nil
	}
	return rs.servers[rs.current]
}

// Next advances the cursor, wrapping around.
func (rs *RemoteServers) Next() *RemoteServer {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.servers) == 0 {
		return nil
	}
	rs.current++
	if rs.current >= len(rs.servers) {
		rs.current = 0
	}
	return rs.servers[rs.current]
}

// Set selects the n-th server, counting from 1. Zero resets the cursor.
func (rs *RemoteServers) Set(n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if n >= 0 && n <= len(rs.servers) {
		rs.current = n - 1
	}
}

// Pick returns the server to dial next: the current one while it has
// retries left, otherwise the following one. It returns nil once every
// server has exhausted its retries.
func (rs *RemoteServers) Pick() *RemoteServer {
	n := rs.Len()
	if n == 0 {
		return nil
	}
	cur := rs.Current()
	if cur == nil {
		cur = rs.Next()
	}
	for range n {
		if cur.Retry() {
			return cur
		}
		cur = rs.Next()
	}
	return nil
}

// Reset clears every retry counter.
func (rs *RemoteServers) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, s := range rs.servers {
		s.OK()
	}
}

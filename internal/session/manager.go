// Package session wraps one TCP connection to the ECU with framing and traffic statistics.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/resident-x/go-apsecu/internal/protocol"
)

// DefaultMaxFrameSize bounds the reassembly buffer of a single response.
const DefaultMaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned when no end marker shows up within the size limit.
var ErrFrameTooLarge = errors.New("response exceeds maximum frame size")

// SessionState represents the current state of an ECU connection.
type SessionState int

const (
	SessionStateConnected SessionState = iota
	SessionStateActive
	SessionStateDisconnected
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateConnected:
		return "connected"
	case SessionStateActive:
		return "active"
	case SessionStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session represents one connection to the ECU. Generation numbers the
// connection so late events of a closed session can be told apart.
type Session struct {
	ID             string
	Generation     uint64
	RemoteAddr     string
	LocalAddr      string
	State          SessionState
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	LastActivity   time.Time
	BytesReceived  int64
	BytesSent      int64
	FramesReceived int64
	FramesSent     int64
	ErrorCount     int64
	Connection     net.Conn
	mutex          sync.RWMutex
}

// NewSession creates a new session for an ECU connection.
func NewSession(conn net.Conn, generation uint64) *Session {
	now := time.Now()
	return &Session{
		ID:           generateSessionID(addrString(conn.RemoteAddr()), now),
		Generation:   generation,
		RemoteAddr:   addrString(conn.RemoteAddr()),
		LocalAddr:    addrString(conn.LocalAddr()),
		State:        SessionStateConnected,
		ConnectedAt:  now,
		LastActivity: now,
		Connection:   conn,
	}
}

// Write sends one request frame.
func (s *Session) Write(frame []byte) error {
	n, err := s.Connection.Write(frame)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesSent += int64(n)
	if err != nil {
		s.ErrorCount++
		return fmt.Errorf("write request: %w", err)
	}
	s.FramesSent++
	s.LastActivity = time.Now()
	return nil
}

// ReadFrames reads until the connection fails or is closed. onBytes runs as
// soon as any bytes arrive, onFrame once per reassembled response. A read
// that sees no data for idle returns a net.Error timeout; idle 0 disables it.
func (s *Session) ReadFrames(idle time.Duration, maxFrame int, onBytes func(), onFrame func([]byte)) error {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	chunk := make([]byte, 4096)
	var pending []byte

	for {
		if idle > 0 {
			if err := s.Connection.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return err
			}
		}
		n, err := s.Connection.Read(chunk)
		if n > 0 {
			s.addBytesReceived(int64(n))
			if onBytes != nil {
				onBytes()
			}

			pending = append(pending, chunk[:n]...)
			for {
				frame, rest, ok := protocol.NextFrame(pending)
				pending = rest
				if !ok {
					break
				}
				s.addFrameReceived()
				onFrame(frame)
			}
			if len(pending) > maxFrame {
				s.IncrementErrorCount()
				return ErrFrameTooLarge
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return io.EOF
			}
			s.IncrementErrorCount()
			return err
		}
	}
}

func (s *Session) addBytesReceived(n int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesReceived += n
	s.LastActivity = time.Now()
}

func (s *Session) addFrameReceived() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.FramesReceived++
	s.State = SessionStateActive
}

// IncrementErrorCount safely increments the error counter.
func (s *Session) IncrementErrorCount() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ErrorCount++
}

// GetState safely retrieves the session state.
func (s *Session) GetState() SessionState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.State
}

// GetStats returns a copy of the session statistics.
func (s *Session) GetStats() SessionStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	end := time.Now()
	if s.State == SessionStateDisconnected {
		end = s.DisconnectedAt
	}
	return SessionStats{
		ID:             s.ID,
		Generation:     s.Generation,
		RemoteAddr:     s.RemoteAddr,
		State:          s.State,
		ConnectedAt:    s.ConnectedAt,
		LastActivity:   s.LastActivity,
		BytesReceived:  s.BytesReceived,
		BytesSent:      s.BytesSent,
		FramesReceived: s.FramesReceived,
		FramesSent:     s.FramesSent,
		ErrorCount:     s.ErrorCount,
		Duration:       end.Sub(s.ConnectedAt),
	}
}

// Close closes the session and its underlying connection. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.State == SessionStateDisconnected {
		return nil
	}
	s.State = SessionStateDisconnected
	s.DisconnectedAt = time.Now()
	if s.Connection != nil {
		return s.Connection.Close()
	}
	return nil
}

// SessionStats represents session statistics for external consumption.
type SessionStats struct {
	ID             string        `json:"id"`
	Generation     uint64        `json:"generation"`
	RemoteAddr     string        `json:"remote_addr"`
	State          SessionState  `json:"state"`
	ConnectedAt    time.Time     `json:"connected_at"`
	LastActivity   time.Time     `json:"last_activity"`
	BytesReceived  int64         `json:"bytes_received"`
	BytesSent      int64         `json:"bytes_sent"`
	FramesReceived int64         `json:"frames_received"`
	FramesSent     int64         `json:"frames_sent"`
	ErrorCount     int64         `json:"error_count"`
	Duration       time.Duration `json:"duration"`
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// generateSessionID generates a unique session ID.
func generateSessionID(addr string, timestamp time.Time) string {
	return addr + "_" + timestamp.Format("20060102_150405.000000")
}

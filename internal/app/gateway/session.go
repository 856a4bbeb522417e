package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/infra/messaging/protocol"
)

// Session is the per-connection executor identity. executorID and tenantID
// are bound on the first successful register or heartbeat and never change
// afterwards. The identity fields and the authorized-task cache are touched
// only by the connection's read loop; send may be called from any goroutine.
type Session struct {
	executorID      uuid.UUID
	tenantID        uuid.UUID
	authorizedTasks map[uuid.UUID]struct{}

	conn         net.Conn
	writer       *protocol.FrameWriter
	writeTimeout time.Duration
	metrics      GatewayMetrics
	closeOnce    sync.Once
}

func newSession(conn net.Conn, maxFrameSize int, writeTimeout time.Duration, metrics GatewayMetrics) *Session {
	return &Session{
		authorizedTasks: make(map[uuid.UUID]struct{}),
		conn:            conn,
		writer:          protocol.NewFrameWriter(conn, maxFrameSize),
		writeTimeout:    writeTimeout,
		metrics:         metrics,
	}
}

// ExecutorID returns the bound executor, or uuid.Nil before registration.
func (s *Session) ExecutorID() uuid.UUID { return s.executorID }

// TenantID returns the bound tenant, or uuid.Nil before registration.
func (s *Session) TenantID() uuid.UUID { return s.tenantID }

func (s *Session) bound() bool { return s.executorID != uuid.Nil && s.tenantID != uuid.Nil }

// bind attaches the identity on first use and rejects any different identity
// afterwards.
func (s *Session) bind(executorID, tenantID uuid.UUID) error {
	if s.executorID == uuid.Nil && s.tenantID == uuid.Nil {
		s.executorID = executorID
		s.tenantID = tenantID
		return nil
	}
	if s.executorID != executorID || s.tenantID != tenantID {
		return ErrIdentityMismatch
	}
	return nil
}

func (s *Session) send(ctx context.Context, msg any) error {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.writer.WriteMessage(msg); err != nil {
		return err
	}
	s.metrics.IncMessagesSent(ctx, string(messageTypeOf(msg)))
	return nil
}

// Close closes the underlying connection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}

func messageTypeOf(msg any) protocol.MessageType {
	switch m := msg.(type) {
	case protocol.RegisterAck:
		return m.Type
	case protocol.HeartbeatAck:
		return m.Type
	case protocol.Error:
		return m.Type
	case protocol.StageDispatch:
		return m.Type
	default:
		return "unknown"
	}
}

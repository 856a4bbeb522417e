package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/artifact"
	"github.com/ahrav/scanflow/internal/domain/executor"
	"github.com/ahrav/scanflow/internal/infra/messaging/protocol"
	"github.com/ahrav/scanflow/pkg/common"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// Handler runs the protocol state machine for one executor connection.
// States: unauthenticated, then registered once a token binds an identity.
// Only the goroutine running Serve touches the session identity.
type Handler struct {
	svc     *Service
	session *Session
	reader  *protocol.FrameReader
	limiter *common.RateLimiter
	remote  string

	logger *logger.LoggerContext
}

func newHandler(svc *Service, conn net.Conn) *Handler {
	h := &Handler{
		svc:     svc,
		session: newSession(conn, svc.maxFrameSize, svc.writeTimeout, svc.metrics),
		reader:  protocol.NewFrameReader(conn, svc.maxFrameSize),
		remote:  conn.RemoteAddr().String(),
	}
	if svc.rateLimit > 0 {
		h.limiter = common.NewRateLimiter(svc.rateLimit, svc.rateBurst)
	}
	h.logger = logger.NewLoggerContext(svc.logger.With("remote_addr", h.remote))
	return h
}

// Serve reads frames until the connection ends. Per-message failures are
// logged and never end the loop; only protocol violations and transport
// errors do.
func (h *Handler) Serve(ctx context.Context) error {
	defer h.disconnect(ctx)

	for {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		body, err := h.reader.ReadFrame()
		if err != nil {
			return h.readError(ctx, err)
		}

		if err := h.handleFrame(ctx, body); err != nil {
			return err
		}
	}
}

func (h *Handler) readError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return nil
	case errors.Is(err, protocol.ErrFrameTooLarge):
		h.svc.metrics.IncProtocolViolations(ctx, "frame_too_large")
		h.logger.Warn(ctx, "rejecting oversized frame", "error", err)
		h.reply(ctx, protocol.NewError("frame too large"))
		return err
	case errors.Is(err, protocol.ErrEmptyFrame):
		h.svc.metrics.IncProtocolViolations(ctx, "empty_frame")
		h.logger.Warn(ctx, "rejecting empty frame")
		h.reply(ctx, protocol.NewError("empty frame"))
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		h.logger.Debug(ctx, "connection dropped mid-frame", "error", err)
		return nil
	}
	return fmt.Errorf("read frame: %w", err)
}

// handleFrame processes a single frame. A non-nil error closes the connection.
func (h *Handler) handleFrame(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error(ctx, "panic while handling executor message", "panic", r)
			err = nil
		}
	}()

	typ, err := protocol.PeekType(body)
	if err != nil {
		h.svc.metrics.IncProtocolViolations(ctx, "undecodable")
		h.logger.Warn(ctx, "ignoring undecodable frame", "error", err)
		return nil
	}
	h.svc.metrics.IncMessagesReceived(ctx, string(typ))

	ctx, span := h.svc.tracer.Start(ctx, "gateway.handle_message",
		trace.WithAttributes(
			attribute.String("message_type", string(typ)),
			attribute.String("executor_id", h.session.executorID.String()),
		))
	defer span.End()

	switch typ {
	case protocol.TypeRegister:
		var msg protocol.Register
		if !h.decode(ctx, body, &msg) {
			return nil
		}
		err = h.handleRegister(ctx, msg)
	case protocol.TypeHeartbeat:
		var msg protocol.Heartbeat
		if !h.decode(ctx, body, &msg) {
			return nil
		}
		err = h.handleHeartbeat(ctx, msg)
	case protocol.TypeLogChunk:
		var msg protocol.LogChunk
		if !h.decode(ctx, body, &msg) {
			return nil
		}
		h.handleLogChunk(ctx, msg)
	case protocol.TypeTaskResult:
		var msg protocol.TaskResult
		if !h.decode(ctx, body, &msg) {
			return nil
		}
		h.handleTaskResult(ctx, msg)
	default:
		h.logger.Debug(ctx, "ignoring unknown message type", "message_type", string(typ))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connection closed")
	}
	return err
}

func (h *Handler) decode(ctx context.Context, body []byte, v any) bool {
	if err := json.Unmarshal(body, v); err != nil {
		h.svc.metrics.IncProtocolViolations(ctx, "undecodable")
		h.logger.Warn(ctx, "ignoring undecodable message", "error", err)
		return false
	}
	return true
}

func (h *Handler) handleRegister(ctx context.Context, msg protocol.Register) error {
	exec, err := h.svc.executors.UpdateHeartbeat(ctx, msg.Token, nil, nil)
	if err != nil {
		h.logger.Error(ctx, "failed to resolve executor token", "error", err)
		h.reply(ctx, protocol.NewError("registration failed"))
		return nil
	}
	if exec == nil {
		h.svc.metrics.IncAuthErrors(ctx)
		h.logger.Warn(ctx, "register with invalid token")
		h.reply(ctx, protocol.NewError("invalid token"))
		return ErrInvalidToken
	}
	if err := h.bindIdentity(ctx, exec, protocol.TypeRegister); err != nil {
		return err
	}

	h.svc.registry.Register(ctx, exec.ID(), h.session)

	if err := h.svc.executors.UpdateStatus(ctx, exec.TenantID(), exec.ID(), executor.StatusReady); err != nil {
		h.logger.Error(ctx, "failed to mark executor ready", "error", err)
		h.reply(ctx, protocol.NewError("registration failed"))
		return nil
	}
	h.publishStatus(ctx, executor.StatusReady)

	h.logger.Info(ctx, "executor registered")
	h.reply(ctx, protocol.NewRegisterAck(exec.ID().String(), executor.StatusReady.String()))
	return nil
}

func (h *Handler) handleHeartbeat(ctx context.Context, msg protocol.Heartbeat) error {
	exec, err := h.svc.executors.UpdateHeartbeat(ctx, msg.Token, msg.CPUUsage, msg.MemoryUsageMB)
	if err != nil {
		h.logger.Error(ctx, "failed to record heartbeat", "error", err)
		h.reply(ctx, protocol.NewError("heartbeat failed"))
		return nil
	}
	if exec == nil {
		// Heartbeats can race a token rotation, so the connection stays open.
		h.svc.metrics.IncAuthErrors(ctx)
		h.logger.Warn(ctx, "heartbeat with invalid token")
		h.reply(ctx, protocol.NewError("invalid token"))
		return nil
	}
	if err := h.bindIdentity(ctx, exec, protocol.TypeHeartbeat); err != nil {
		return err
	}

	h.svc.registry.Register(ctx, exec.ID(), h.session)
	h.reply(ctx, protocol.NewHeartbeatAck(exec.Status().String()))
	return nil
}

// bindIdentity binds the session to exec or, if it is already bound to a
// different identity, sends an error frame and returns ErrIdentityMismatch.
func (h *Handler) bindIdentity(ctx context.Context, exec *executor.Executor, typ protocol.MessageType) error {
	prevExecutor, prevTenant := h.session.executorID, h.session.tenantID
	if err := h.session.bind(exec.ID(), exec.TenantID()); err != nil {
		h.svc.metrics.IncProtocolViolations(ctx, "identity_switch")
		h.logger.Warn(ctx, "executor identity switch rejected",
			"message_type", string(typ),
			"bound_executor_id", prevExecutor.String(),
			"bound_tenant_id", prevTenant.String(),
			"presented_executor_id", exec.ID().String(),
			"presented_tenant_id", exec.TenantID().String(),
		)
		h.reply(ctx, protocol.NewError("executor identity mismatch"))
		return err
	}
	if prevExecutor == uuid.Nil {
		h.logger.Add("executor_id", exec.ID().String(), "tenant_id", exec.TenantID().String())
	}
	return nil
}

func (h *Handler) handleLogChunk(ctx context.Context, msg protocol.LogChunk) {
	taskID, ok := h.authorize(ctx, msg.TaskID, protocol.TypeLogChunk)
	if !ok {
		return
	}

	chunk := artifact.LogChunk{
		TaskID:     taskID,
		TenantID:   h.session.tenantID,
		ExecutorID: h.session.executorID,
		StageID:    parseOptionalID(msg.StageID),
		StageType:  msg.StageType,
		Sequence:   msg.Sequence,
		Stream:     artifact.Stream(msg.Stream),
		Content:    msg.Content,
		IsLast:     msg.IsLast,
		ReceivedAt: h.svc.timeProvider.Now(),
	}
	if err := h.svc.logs.AppendChunk(ctx, chunk); err != nil {
		h.logger.Error(ctx, "failed to append log chunk",
			"task_id", taskID.String(),
			"sequence", msg.Sequence,
			"error", err,
		)
	}
}

func (h *Handler) handleTaskResult(ctx context.Context, msg protocol.TaskResult) {
	taskID, ok := h.authorize(ctx, msg.TaskID, protocol.TypeTaskResult)
	if !ok {
		return
	}

	result := artifact.Result{
		TaskID:     taskID,
		TenantID:   h.session.tenantID,
		ExecutorID: h.session.executorID,
		StageID:    parseOptionalID(msg.StageID),
		StageType:  msg.StageType,
		Success:    msg.Success,
		ExitCode:   msg.ExitCode,
		Log:        msg.Log,
		Output:     msg.Result,
		Artifacts:  msg.Artifacts,
		RunLog:     msg.RunLog,
		Error:      msg.Error,
		ReceivedAt: h.svc.timeProvider.Now(),
	}
	if err := h.svc.results.HandleResult(ctx, result); err != nil {
		h.logger.Error(ctx, "failed to handle task result", "task_id", taskID.String(), "error", err)
	}

	// The executor is free again once it reports any result.
	if !h.session.bound() {
		return
	}
	if err := h.svc.executors.UpdateStatus(ctx, h.session.tenantID, h.session.executorID, executor.StatusReady); err != nil {
		h.logger.Error(ctx, "failed to mark executor ready after result", "error", err)
		return
	}
	h.publishStatus(ctx, executor.StatusReady)
}

// authorize parses rawTaskID and checks ownership, recording a denial.
func (h *Handler) authorize(ctx context.Context, rawTaskID string, typ protocol.MessageType) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(rawTaskID)
	if err != nil || !h.isAuthorizedTask(ctx, taskID) {
		h.svc.metrics.IncAuthorizationDenied(ctx, string(typ))
		h.logger.Debug(ctx, "dropping unauthorized task message",
			"message_type", string(typ),
			"task_id", rawTaskID,
		)
		return uuid.Nil, false
	}
	return taskID, true
}

// isAuthorizedTask reports whether the bound executor owns taskID. Positive
// answers are cached for the connection's lifetime.
func (h *Handler) isAuthorizedTask(ctx context.Context, taskID uuid.UUID) bool {
	if _, ok := h.session.authorizedTasks[taskID]; ok {
		return true
	}
	if !h.session.bound() {
		return false
	}

	t, err := h.svc.tasks.Find(ctx, taskID)
	if err != nil {
		h.logger.Error(ctx, "failed to load task for authorization", "task_id", taskID.String(), "error", err)
		return false
	}
	if t == nil {
		return false
	}
	if t.TenantID() != h.session.tenantID {
		return false
	}
	if !t.IsAssignedTo(h.session.executorID) {
		return false
	}

	h.session.authorizedTasks[taskID] = struct{}{}
	return true
}

func (h *Handler) publishStatus(ctx context.Context, status executor.Status) {
	if h.svc.publisher == nil {
		return
	}
	evt := executor.NewStatusChangedEvent(h.session.tenantID, h.session.executorID, status)
	if err := h.svc.publisher.Publish(ctx, evt); err != nil {
		h.logger.Warn(ctx, "failed to publish executor status change", "error", err)
	}
}

func (h *Handler) reply(ctx context.Context, msg any) {
	if err := h.session.send(ctx, msg); err != nil {
		h.logger.Warn(ctx, "failed to write response frame", "error", err)
	}
}

func (h *Handler) disconnect(ctx context.Context) {
	if h.session.executorID != uuid.Nil {
		h.svc.registry.RemoveSession(context.WithoutCancel(ctx), h.session.executorID, h.session)
	}
	_ = h.session.Close()
	h.logger.Info(ctx, "executor connection closed")
}

func parseOptionalID(raw string) uuid.UUID {
	if raw == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}

package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/carvalue-api/internal/models"
	"github.com/noah-isme/carvalue-api/pkg/jobs"
)

const auditJobType = "audit_log"

type auditLogWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type auditQueue interface {
	Enqueue(job jobs.Job) error
}

// AuditService records authentication events in the background. Recording never blocks
// or fails the calling request; a full queue drops the event with a warning.
type AuditService struct {
	queue  auditQueue
	logger *zap.Logger
}

// NewAuditService wires a service to an existing queue.
func NewAuditService(queue auditQueue, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{queue: queue, logger: logger}
}

// AuditJobHandler returns the queue handler that persists audit logs.
func AuditJobHandler(writer auditLogWriter) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		log, ok := job.Payload.(*models.AuditLog)
		if !ok {
			return fmt.Errorf("unexpected audit payload %T", job.Payload)
		}
		return writer.CreateAuditLog(ctx, log)
	}
}

// Record enqueues an audit log entry.
func (s *AuditService) Record(_ context.Context, log *models.AuditLog) {
	if s == nil || s.queue == nil || log == nil {
		return
	}
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if err := s.queue.Enqueue(jobs.Job{ID: log.ID, Type: auditJobType, Payload: log}); err != nil {
		s.logger.Warn("audit event dropped", zap.String("action", log.Action), zap.Error(err))
	}
}

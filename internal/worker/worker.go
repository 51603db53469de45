package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/pipeline"
	"github.com/streamvault/backend/pkg/queue"
)

// VideoProcessor consumes video processing jobs and drives the pipeline.
type VideoProcessor struct {
	orch   *pipeline.Orchestrator
	queue  *queue.Queue
	logger *zap.Logger
}

// NewVideoProcessor creates a video processing worker.
func NewVideoProcessor(orch *pipeline.Orchestrator, q *queue.Queue, logger *zap.Logger) *VideoProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoProcessor{orch: orch, queue: q, logger: logger}
}

// Process executes one video processing job. Re-delivery of a job whose
// video already completed is a no-op inside the orchestrator.
func (p *VideoProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeVideoProcess {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.VideoProcessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return p.orch.Run(ctx, payload.VideoID)
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *VideoProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("video worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}

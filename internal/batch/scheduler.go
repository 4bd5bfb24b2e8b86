package batch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shotengine/internal/admission"
	"shotengine/internal/capture"
	"shotengine/internal/driver"
	"shotengine/internal/resultcache"
	"shotengine/pkg/webhook"
)

// Scheduler drives each job's items through the admission controller and
// capture pipeline with bounded parallelism.
type Scheduler struct {
	store     *Store
	admission *admission.Controller
	pipeline  *capture.Pipeline
	results   *resultcache.Cache
	sender    *webhook.Sender
	log       *zap.Logger
}

func NewScheduler(store *Store, adm *admission.Controller, pipeline *capture.Pipeline,
	results *resultcache.Cache, sender *webhook.Sender, log *zap.Logger) *Scheduler {
	return &Scheduler{store: store, admission: adm, pipeline: pipeline, results: results, sender: sender, log: log}
}

// Run processes one job to completion: bounded parallelism = min(config.parallel, 10),
// items flow through C7 then C6 (optionally C8), fail_fast cancels the rest
// of the group on the first failure, and a webhook fires once at the end.
func (s *Scheduler) Run(ctx context.Context, job *Job) {
	if err := s.store.MarkProcessing(job.ID); err != nil {
		s.log.Error("batch: mark processing failed", zap.String("job", job.ID), zap.Error(err))
	}

	parallel := job.Config.Parallel
	if parallel <= 0 {
		parallel = 10
	}
	if parallel > 10 {
		parallel = 10
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(parallel)

	for _, item := range job.Items {
		item := item
		g.Go(func() error {
			status := s.runItem(gctx, job, item)
			if job.Config.FailFast && status == ItemFailed {
				if err := s.store.FailRemaining(job.ID, "fail_fast"); err != nil {
					s.log.Error("batch: fail_fast mark remaining failed", zap.String("job", job.ID), zap.Error(err))
				}
				cancel()
			}
			return nil
		})
	}
	g.Wait()

	if job.Config.Webhook != "" {
		s.deliverWebhook(context.Background(), job)
	}
}

// runItem captures one item and persists its outcome, returning the
// resulting status so the caller never has to re-read the item's fields
// unlocked while other items are concurrently updating the same job.
func (s *Scheduler) runItem(ctx context.Context, job *Job, item *Item) ItemStatus {
	format := driver.Format(item.Format)
	if format == "" {
		format = driver.FormatPNG
	}

	var resultID string
	if job.Config.Cache {
		resultID = resultcache.Key(item.URL, item.Width, item.Height, string(format))
		if _, ok := s.results.Get(resultID); ok {
			s.store.UpdateItem(job.ID, item.ID, ItemSuccess, "", resultID)
			return ItemSuccess
		}
	}

	var outBytes []byte
	err := s.admission.Run(ctx, func(ctx context.Context) error {
		res, err := s.pipeline.Capture(ctx, capture.Request{
			URL:    item.URL,
			Width:  item.Width,
			Height: item.Height,
			Format: format,
		})
		if err != nil {
			return err
		}
		outBytes = res.Bytes
		return nil
	})

	if err != nil {
		s.store.UpdateItem(job.ID, item.ID, ItemFailed, err.Error(), "")
		return ItemFailed
	}

	if job.Config.Cache {
		s.results.Put(resultID, item.URL, outBytes)
	}
	s.store.UpdateItem(job.ID, item.ID, ItemSuccess, "", resultID)
	return ItemSuccess
}

// Summary is the webhook payload delivered once a job finishes.
type Summary struct {
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
	Total   int       `json:"total"`
	Success int       `json:"success"`
	Failed  int       `json:"failed"`
}

func (s *Scheduler) deliverWebhook(ctx context.Context, job *Job) {
	success, failed, _ := job.totals()
	summary := Summary{JobID: job.ID, Status: job.Status, Total: len(job.Items), Success: success, Failed: failed}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.sender.Deliver(ctx, job.Config.Webhook, summary, job.Config.WebhookAuth); err != nil {
		s.log.Warn("batch: webhook delivery failed", zap.String("job", job.ID), zap.Error(err))
	}
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"cardgate-api/database"
	"cardgate-api/queue"
)

// Worker drains relay jobs in the background: merchant webhook
// notifications and audit-record persistence. Card data never enters a
// job payload, so nothing here needs scrubbing.
type Worker struct {
	queue      *queue.Queue
	db         *database.Connection
	httpClient *http.Client
	shutdown   chan struct{}
	isRunning  bool
}

func NewWorker(q *queue.Queue, db *database.Connection) *Worker {
	return &Worker{
		queue: q,
		db:    db,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		shutdown: make(chan struct{}),
	}
}

// Start begins processing jobs and pumping due delayed jobs.
func (w *Worker) Start(concurrency int) {
	w.isRunning = true

	for i := 0; i < concurrency; i++ {
		go w.processJobs(i)
	}
	go w.pumpDelayedJobs()

	log.Printf("Started %d worker goroutines", concurrency)
}

// Stop signals the worker to stop processing jobs.
func (w *Worker) Stop() {
	if !w.isRunning {
		return
	}

	log.Println("Stopping worker...")
	close(w.shutdown)
	w.isRunning = false
}

func (w *Worker) pumpDelayedJobs() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.queue.ProcessDelayedJobs(ctx); err != nil {
				log.Printf("Error processing delayed jobs: %v", err)
			}
			cancel()
		}
	}
}

func (w *Worker) processJobs(workerID int) {
	log.Printf("Worker %d starting", workerID)

	for {
		select {
		case <-w.shutdown:
			log.Printf("Worker %d shutting down", workerID)
			return
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			job, err := w.queue.Dequeue(ctx, 5*time.Second)
			cancel()

			if err != nil {
				log.Printf("Worker %d: Error dequeuing job: %v", workerID, err)
				time.Sleep(time.Second)
				continue
			}

			if job == nil {
				time.Sleep(100 * time.Millisecond)
				continue
			}

			log.Printf("Worker %d processing job %s of type %s", workerID, job.ID, job.Type)

			if jobErr := w.processJob(job); jobErr != nil {
				log.Printf("Worker %d: Error processing job %s: %v", workerID, job.ID, jobErr)

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if failErr := w.queue.FailJob(ctx, job, jobErr); failErr != nil {
					log.Printf("Worker %d: Error marking job %s as failed: %v", workerID, job.ID, failErr)
				}
				cancel()
				continue
			}

			ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			if completeErr := w.queue.CompleteJob(ctx, job); completeErr != nil {
				log.Printf("Worker %d: Error marking job %s as complete: %v", workerID, job.ID, completeErr)
			}
			cancel()
		}
	}
}

func (w *Worker) processJob(job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeMerchantNotification:
		return w.processMerchantNotification(job)
	case queue.JobTypeAuditRecord:
		return w.processAuditRecord(job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// processMerchantNotification delivers a relay event to the merchant's
// webhook endpoint. Jobs without a webhook URL complete as no-ops.
func (w *Worker) processMerchantNotification(job *queue.Job) error {
	webhookURL, _ := job.Data["webhook_url"].(string)
	if webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":       job.Data["event"],
		"merchant_id": job.Data["merchant_id"],
		"session_id":  job.Data["session_id"],
		"token":       job.Data["token_ref"],
		"masked_pan":  job.Data["masked_pan"],
		"occurred_at": job.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook answered status %d", resp.StatusCode)
	}

	log.Printf("Delivered %v notification for merchant %v", job.Data["event"], job.Data["merchant_id"])
	return nil
}

func (w *Worker) processAuditRecord(job *queue.Job) error {
	if w.db == nil {
		return nil
	}

	getString := func(key string) string {
		v, _ := job.Data[key].(string)
		return v
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return w.db.InsertAuditEvent(ctx, database.AuditEvent{
		RequestID:  getString("request_id"),
		MerchantID: getString("merchant_id"),
		SessionID:  getString("session_id"),
		Event:      getString("event"),
		TokenRef:   getString("token_ref"),
		MaskedPAN:  getString("masked_pan"),
	})
}

// Package batch implements the batch job store and scheduler: job
// creation/lookup/item-update with atomic on-disk persistence, and a bounded
// parallel scheduler that drives each item through admission control and the
// capture pipeline (optionally consulting the result cache first). Store
// persistence generalizes a shared-file job log into one file per job
// (jobs/{id}.json), written with an atomic write-temp-fsync-rename so a
// crash mid-write never leaves a corrupt job file behind.
package batch

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"shotengine/pkg/fsutil"
)

// ItemStatus is one capture item's outcome.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
)

// Item is one URL within a batch job, with its own capture dimensions —
// resolved at creation time from either the item's own override or the
// job-level config default.
type Item struct {
	ID       string     `json:"id"`
	URL      string     `json:"url"`
	Width    int64      `json:"width"`
	Height   int64      `json:"height"`
	Format   string     `json:"format"`
	Status   ItemStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
	ResultID string     `json:"result_id,omitempty"`
}

// JobStatus is the aggregate status of a batch job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobPartial    JobStatus = "partial"
	JobFailed     JobStatus = "failed"
)

// ItemConfig controls how every item in a job is captured.
type ItemConfig struct {
	Width    int64  `json:"width"`
	Height   int64  `json:"height"`
	Format   string `json:"format"`
	Cache    bool   `json:"cache"`
	FailFast bool   `json:"fail_fast"`
	Parallel int    `json:"parallel"`
	Webhook  string `json:"webhook,omitempty"`
	WebhookAuth string `json:"webhook_auth,omitempty"`
}

// Job is one batch capture request.
type Job struct {
	ID         string     `json:"id"`
	Status     JobStatus  `json:"status"`
	Config     ItemConfig `json:"config"`
	Items      []*Item    `json:"items"`
	FailReason string     `json:"fail_reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (j *Job) totals() (success, failed, pending int) {
	for _, it := range j.Items {
		switch it.Status {
		case ItemSuccess:
			success++
		case ItemFailed:
			failed++
		default:
			pending++
		}
	}
	return
}

// Store is the C9 job store: in-memory index backed by one JSON file per
// job under dir/jobs/.
type Store struct {
	dir string

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewStore(dir string) *Store {
	return &Store{dir: filepath.Join(dir, "jobs"), jobs: make(map[string]*Job)}
}

// newJobID returns a random, URL-safe identifier with at least 64 bits of
// entropy.
func newJobID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ItemInput is one caller-supplied item for job creation. Width, Height, and
// Format are optional per-item overrides of the job-level config.
type ItemInput struct {
	ID     string
	URL    string
	Width  int64
	Height int64
	Format string
}

// Create assigns an id, persists the job immediately, and returns it. Every
// item uses the job-level config uniformly; use CreateItems to give items
// their own width/height/format.
func (s *Store) Create(urls []string, cfg ItemConfig) (*Job, error) {
	inputs := make([]ItemInput, len(urls))
	for i, u := range urls {
		inputs[i] = ItemInput{URL: u}
	}
	return s.CreateItems(inputs, cfg)
}

// CreateItems assigns an id, resolves each item's width/height/format
// against the job-level config default, persists the job immediately, and
// returns it.
func (s *Store) CreateItems(inputs []ItemInput, cfg ItemConfig) (*Job, error) {
	id, err := newJobID()
	if err != nil {
		return nil, fmt.Errorf("batch: generate job id: %w", err)
	}
	items := make([]*Item, len(inputs))
	for i, in := range inputs {
		itemID := in.ID
		if itemID == "" {
			itemID = uuid.NewString()
		}
		width := in.Width
		if width <= 0 {
			width = cfg.Width
		}
		height := in.Height
		if height <= 0 {
			height = cfg.Height
		}
		format := in.Format
		if format == "" {
			format = cfg.Format
		}
		items[i] = &Item{ID: itemID, URL: in.URL, Width: width, Height: height, Format: format, Status: ItemPending}
	}
	job := &Job{
		ID:        id,
		Status:    JobQueued,
		Config:    cfg,
		Items:     items,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	s.mu.Lock()
	s.jobs[id] = job
	data, err := json.MarshalIndent(job, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("batch: encode job %s: %w", job.ID, err)
	}
	if err := s.writeFile(job.ID, data); err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns a job, checking memory first and falling back to disk.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if ok {
		return job, nil
	}

	path := filepath.Join(s.dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var loaded Job
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("batch: decode job %s: %w", id, err)
	}

	s.mu.Lock()
	s.jobs[id] = &loaded
	s.mu.Unlock()
	return &loaded, nil
}

// UpdateItem transitions one item and recomputes the aggregate status.
func (s *Store) UpdateItem(jobID, itemID string, status ItemStatus, errMsg, resultID string) (*Job, error) {
	job, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, it := range job.Items {
		if it.ID == itemID {
			it.Status = status
			it.Error = errMsg
			it.ResultID = resultID
			break
		}
	}
	recomputeStatus(job)
	job.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(job, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return job, fmt.Errorf("batch: encode job %s: %w", job.ID, err)
	}
	return job, s.writeFile(job.ID, data)
}

func recomputeStatus(job *Job) {
	success, failed, pending := job.totals()
	switch {
	case pending == len(job.Items):
		job.Status = JobQueued
	case job.Config.FailFast && failed > 0:
		job.Status = JobFailed
	case pending > 0:
		job.Status = JobProcessing
	case failed == 0:
		job.Status = JobCompleted
	case success == 0:
		job.Status = JobFailed
	default:
		job.Status = JobPartial
	}
}

// MarkProcessing flips a queued job to processing on first item pickup.
func (s *Store) MarkProcessing(jobID string) error {
	job, err := s.Get(jobID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if job.Status == JobQueued {
		job.Status = JobProcessing
		job.UpdatedAt = time.Now()
	}
	data, err := json.MarshalIndent(job, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("batch: encode job %s: %w", job.ID, err)
	}
	return s.writeFile(job.ID, data)
}

// FailRemaining marks every pending item failed (fail_fast cancellation) and
// sets the aggregate status, persisting once.
func (s *Store) FailRemaining(jobID, reason string) error {
	job, err := s.Get(jobID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, it := range job.Items {
		if it.Status == ItemPending {
			it.Status = ItemFailed
			it.Error = reason
		}
	}
	job.Status = JobFailed
	job.FailReason = reason
	job.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(job, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("batch: encode job %s: %w", job.ID, err)
	}
	return s.writeFile(job.ID, data)
}

// ListPending returns jobs with at least one pending item, for the
// scheduler and for startup recovery.
func (s *Store) ListPending() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		_, _, pending := j.totals()
		if pending > 0 {
			out = append(out, j)
		}
	}
	return out
}

// PurgeExpired removes terminal jobs (completed, partial or failed) not
// updated within ttl from memory and disk.
func (s *Store) PurgeExpired(ttl time.Duration) int {
	s.mu.Lock()
	var victims []string
	for id, j := range s.jobs {
		if j.Status == JobQueued || j.Status == JobProcessing {
			continue
		}
		if time.Since(j.UpdatedAt) > ttl {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	for _, id := range victims {
		os.Remove(filepath.Join(s.dir, id+".json"))
	}
	return len(victims)
}

// Reload scans the job directory on startup. Any job left in "processing"
// without a live scheduler is marked failed with "restart_interrupted".
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		if job.Status == JobProcessing {
			job.Status = JobFailed
			job.FailReason = "restart_interrupted"
			job.UpdatedAt = time.Now()
		}
		s.mu.Lock()
		s.jobs[job.ID] = &job
		var snapshot []byte
		restarted := job.Status == JobFailed && job.FailReason == "restart_interrupted"
		if restarted {
			snapshot, _ = json.MarshalIndent(&job, "", "  ")
		}
		s.mu.Unlock()
		if restarted {
			s.writeFile(job.ID, snapshot)
		}
	}
	return nil
}

// writeFile atomically persists a pre-encoded job snapshot. Callers marshal
// the job while holding s.mu so the encoded bytes reflect one consistent
// mutation rather than racing a concurrent item update.
func (s *Store) writeFile(id string, data []byte) error {
	path := filepath.Join(s.dir, id+".json")
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("batch: persist job %s: %w", id, err)
	}
	return nil
}

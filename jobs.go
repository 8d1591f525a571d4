package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deid-viewer/internal/constants"
	"deid-viewer/workflow"
)

// Job status values
const (
	jobPending    = "pending"
	jobInProgress = "in_progress"
	jobCompleted  = "completed"
	jobFailed     = "failed"
)

// Job is one queued workflow step of a session
type Job struct {
	ID        string
	SessionID string
	Action    string // "upload" or "protect"
	Status    string // "pending", "in_progress", "completed", "failed"
	Result    string // ingest or artifact id on success, error message on failure
	CreatedAt time.Time
	UpdatedAt time.Time

	step *workflow.Step
}

// JobStore manages jobs and their statuses
type JobStore struct {
	sync.RWMutex
	jobs map[string]*Job
}

var (
	jobStore = &JobStore{
		jobs: make(map[string]*Job),
	}
	jobQueue = make(chan *Job, constants.JobQueueSize)
)

func generateJobID() string {
	return uuid.New().String()
}

// newJob wraps an accepted step into a pending job.
func newJob(sessionID string, step *workflow.Step) *Job {
	now := time.Now()
	return &Job{
		ID:        generateJobID(),
		SessionID: sessionID,
		Action:    step.Action().String(),
		Status:    jobPending,
		CreatedAt: now,
		UpdatedAt: now,
		step:      step,
	}
}

func (store *JobStore) addJob(job *Job) {
	store.Lock()
	defer store.Unlock()
	store.jobs[job.ID] = job
	log.WithField("job_id", job.ID).Infof("Job added: %s for session %s", job.Action, job.SessionID)
}

// getJob returns a copy of the job so callers never race with workers.
func (store *JobStore) getJob(jobID string) (Job, bool) {
	store.RLock()
	defer store.RUnlock()
	job, exists := store.jobs[jobID]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

func (store *JobStore) GetAllJobs() []Job {
	store.RLock()
	defer store.RUnlock()

	jobs := make([]Job, 0, len(store.jobs))
	for _, job := range store.jobs {
		jobs = append(jobs, *job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	return jobs
}

func (store *JobStore) updateJobStatus(jobID, status, result string) {
	store.Lock()
	defer store.Unlock()
	if job, exists := store.jobs[jobID]; exists {
		job.Status = status
		if result != "" {
			job.Result = result
		}
		job.UpdatedAt = time.Now()
		log.WithField("job_id", jobID).Infof("Job status updated: %s", status)
	}
}

// removeFinished drops completed and failed jobs last updated before cutoff.
func (store *JobStore) removeFinished(cutoff time.Time) int {
	store.Lock()
	defer store.Unlock()
	removed := 0
	for id, job := range store.jobs {
		if (job.Status == jobCompleted || job.Status == jobFailed) && job.UpdatedAt.Before(cutoff) {
			delete(store.jobs, id)
			removed++
		}
	}
	return removed
}

// enqueue registers the job and hands it to the worker pool.
func enqueue(job *Job) {
	jobStore.addJob(job)
	jobQueue <- job
}

func startWorkerPool(app *App, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		go func(workerID int) {
			log.Infof("Worker %d started", workerID)
			for job := range jobQueue {
				log.Infof("Worker %d processing job: %s", workerID, job.ID)
				processJob(app, job)
			}
		}(i)
	}
}

func processJob(app *App, job *Job) {
	jobStore.updateJobStatus(job.ID, jobInProgress, "")
	logger := sessionLogger(job.SessionID).WithField("job_id", job.ID)

	sess, err := job.step.Run(context.Background())
	app.recordAudit(job, sess, err)
	if err != nil {
		logger.Errorf("Error processing %s job: %v", job.Action, err)
		jobStore.updateJobStatus(job.ID, jobFailed, err.Error())
		return
	}

	result := sess.IngestID
	if job.Action == workflow.ActionProtect.String() {
		result = sess.ArtifactID
	}
	jobStore.updateJobStatus(job.ID, jobCompleted, result)
	logger.Infof("Job completed: %s", job.ID)
}

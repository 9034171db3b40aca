package core

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobArgs is handed to a job callback when it fires.
type JobArgs struct {
	TaskName string
	// Runtime is fixed for one-shot jobs. Recurring jobs get the time of each firing.
	Runtime string
}

// Callback is invoked by the scheduler service at due time.
type Callback func(args JobArgs)

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	ID        string
	TaskName  string
	Recurring bool
	Paused    bool
	Next      time.Time
}

type scheduledJob struct {
	id        string
	args      JobArgs
	callback  Callback
	schedule  cron.Schedule
	recurring bool
	paused    bool
	entryID   cron.EntryID
}

// JobScheduler is the process-owned scheduler service. Jobs are addressed by string
// identifiers; operations on an unknown identifier return ErrJobNotFound.
type JobScheduler struct {
	logger   *slog.Logger
	location *time.Location

	cron  *cron.Cron
	jobMu sync.RWMutex
	jobs  map[string]*scheduledJob
}

// NewJobScheduler constructs a scheduler service. Call Start to begin firing jobs.
func NewJobScheduler(logger *slog.Logger, location *time.Location) *JobScheduler {
	if location == nil {
		location = time.Local
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return &JobScheduler{
		logger:   logger,
		location: location,
		cron:     c,
		jobs:     make(map[string]*scheduledJob),
	}
}

// Start begins the scheduling loop.
func (s *JobScheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduling loop. The returned context is done once running jobs finish.
func (s *JobScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// AddRecurringJob registers a job firing every intervalSeconds between the optional bounds.
// An existing job with the same id is replaced.
func (s *JobScheduler) AddRecurringJob(id string, callback Callback, args JobArgs, intervalSeconds int, startDate, endDate *time.Time) error {
	start := time.Now().In(s.location)
	if startDate != nil {
		start = *startDate
	} else {
		start = start.Add(time.Duration(intervalSeconds) * time.Second)
	}
	job := &scheduledJob{
		id:        id,
		args:      args,
		callback:  callback,
		schedule:  NewIntervalSchedule(time.Duration(intervalSeconds)*time.Second, start, endDate),
		recurring: true,
	}
	s.register(job)
	return nil
}

// AddOneShotJob registers a job firing once at runDate. The job removes itself when it fires.
// An existing job with the same id is replaced. A runDate that is not in the future is
// reported as ErrRunDatePassed and nothing is registered.
func (s *JobScheduler) AddOneShotJob(id string, callback Callback, args JobArgs, runDate time.Time) error {
	schedule := NewOnceSchedule(runDate)
	if schedule.Next(time.Now().In(s.location)).IsZero() {
		return ErrRunDatePassed
	}
	job := &scheduledJob{
		id:       id,
		args:     args,
		callback: callback,
		schedule: schedule,
	}
	s.register(job)
	return nil
}

// PauseJob keeps the job registered but stops it from firing.
func (s *JobScheduler) PauseJob(id string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.paused {
		return nil
	}
	s.cron.Remove(job.entryID)
	job.paused = true
	return nil
}

// ResumeJob re-arms a paused job. A one-shot job whose run date passed while paused is dropped.
func (s *JobScheduler) ResumeJob(id string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !job.paused {
		return nil
	}
	if !job.recurring && job.schedule.Next(time.Now().In(s.location)).IsZero() {
		delete(s.jobs, id)
		s.logger.Info("dropping expired one-shot job on resume", "job_id", id, "task", job.args.TaskName)
		return nil
	}
	job.entryID = s.cron.Schedule(job.schedule, s.wrap(job))
	job.paused = false
	return nil
}

// DeleteJob removes the job.
func (s *JobScheduler) DeleteJob(id string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !job.paused {
		s.cron.Remove(job.entryID)
	}
	delete(s.jobs, id)
	return nil
}

// Job returns a view of one job.
func (s *JobScheduler) Job(id string) (JobInfo, bool) {
	s.jobMu.RLock()
	job, ok := s.jobs[id]
	s.jobMu.RUnlock()
	if !ok {
		return JobInfo{}, false
	}
	return s.info(job), true
}

// Jobs lists registered jobs ordered by id.
func (s *JobScheduler) Jobs() []JobInfo {
	s.jobMu.RLock()
	jobs := make([]*scheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.jobMu.RUnlock()
	infos := make([]JobInfo, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, s.info(job))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (s *JobScheduler) info(job *scheduledJob) JobInfo {
	s.jobMu.RLock()
	info := JobInfo{
		ID:        job.id,
		TaskName:  job.args.TaskName,
		Recurring: job.recurring,
		Paused:    job.paused,
	}
	entryID := job.entryID
	s.jobMu.RUnlock()
	if !info.Paused {
		info.Next = s.cron.Entry(entryID).Next
	}
	return info
}

func (s *JobScheduler) register(job *scheduledJob) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if prev, ok := s.jobs[job.id]; ok && !prev.paused {
		s.cron.Remove(prev.entryID)
	}
	job.entryID = s.cron.Schedule(job.schedule, s.wrap(job))
	s.jobs[job.id] = job
}

func (s *JobScheduler) wrap(job *scheduledJob) cron.Job {
	return cron.FuncJob(func() {
		args := job.args
		if job.recurring {
			args.Runtime = FormatRuntime(s.firedAt(job))
		} else {
			s.finishOneShot(job)
		}
		job.callback(args)
	})
}

func (s *JobScheduler) firedAt(job *scheduledJob) time.Time {
	s.jobMu.RLock()
	entryID := job.entryID
	s.jobMu.RUnlock()
	firedAt := s.cron.Entry(entryID).Prev
	if firedAt.IsZero() {
		firedAt = time.Now().In(s.location)
	}
	return firedAt
}

func (s *JobScheduler) finishOneShot(job *scheduledJob) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if current, ok := s.jobs[job.id]; ok && current == job {
		s.cron.Remove(job.entryID)
		delete(s.jobs, job.id)
	}
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

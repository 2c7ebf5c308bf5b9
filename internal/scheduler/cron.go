package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is a periodic task. The error is logged; it does not stop the schedule.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

type Cron struct {
	c       *cron.Cron
	loc     *time.Location
	log     *logrus.Entry
	timeout time.Duration
}

// NewCron creates a scheduler. Each run gets a context bounded by timeout when it is positive.
func NewCron(loc *time.Location, timeout time.Duration, log *logrus.Entry) *Cron {
	if loc == nil {
		loc = time.Local
	}
	log = log.WithField("component", "scheduler")
	c := cron.New(cron.WithLocation(loc), cron.WithChain(
		cron.Recover(cron.PrintfLogger(log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(log)),
	))
	return &Cron{c: c, loc: loc, log: log, timeout: timeout}
}

func (cr *Cron) Start() { cr.c.Start() }

// Stop stops scheduling and waits for running jobs to finish
func (cr *Cron) Stop() { ctx := cr.c.Stop(); <-ctx.Done() }

// Add schedules job on a standard cron spec or a descriptor such as "@every 5m"
func (cr *Cron) Add(expr string, job Job) (cron.EntryID, error) {
	return cr.c.AddFunc(expr, func() { cr.run(job) })
}

func (cr *Cron) run(job Job) {
	ctx := context.Background()
	if cr.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cr.timeout)
		defer cancel()
	}

	started := time.Now()
	log := cr.log.WithField("job", job.Name())
	if err := job.Run(ctx); err != nil {
		log.WithError(err).Error("scheduled job failed")
		return
	}
	log.WithField("elapsed", time.Since(started)).Debug("scheduled job finished")
}

func (cr *Cron) Entries() []cron.Entry { return cr.c.Entries() }

package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"tgauto/internal/model"
	"tgauto/internal/session"
	"tgauto/internal/storage"
)

var (
	// ErrValidation covers malformed start requests; nothing was changed.
	ErrValidation = errors.New("validation failed")
	// ErrNoActiveAccount means no active, authenticated account can run the job.
	ErrNoActiveAccount = errors.New("no active account")
	// ErrJobAlreadyRunning is the admission-control rejection: one job at a time.
	ErrJobAlreadyRunning = errors.New("a job is already running")
)

// StartRequest carries the parameters of one migration run.
type StartRequest struct {
	AccountID    string   `json:"account_id" validate:"required"`
	SourceGroups []string `json:"source_groups" validate:"required,min=1"`
	TargetGroup  string   `json:"target_group" validate:"required"`
	DelayMin     int      `json:"delay_min" validate:"min=1,max=60"`
	DelayMax     int      `json:"delay_max" validate:"min=1,max=60,gtefield=DelayMin"`
	MaxMembers   int      `json:"max_members" validate:"min=1,max=1000"`
}

// Runner admits, executes and cancels migration jobs. At most one job runs per
// process; the mutex around current is the single mutation gateway for that
// invariant.
type Runner struct {
	store    *storage.Store
	client   session.Client
	log      zerolog.Logger
	validate *validator.Validate

	// delayUnit scales the configured delay seconds; tests shrink it.
	delayUnit   time.Duration
	callTimeout time.Duration

	mu      sync.Mutex
	current *activeJob
}

type activeJob struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store *storage.Store, client session.Client, log zerolog.Logger) *Runner {
	return &Runner{
		store:       store,
		client:      client,
		log:         log.With().Str("component", "engine").Logger(),
		validate:    validator.New(),
		delayUnit:   time.Second,
		callTimeout: 30 * time.Second,
	}
}

// Start validates and admits a job, then executes it in the background. It
// returns the job ID as soon as the job is admitted.
func (r *Runner) Start(req StartRequest) (string, error) {
	req.SourceGroups = trimBlank(req.SourceGroups)
	req.TargetGroup = strings.TrimSpace(req.TargetGroup)
	if err := r.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	acc, err := r.store.AccountByID(req.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: account not found", ErrNoActiveAccount)
		}
		return "", err
	}
	if !acc.IsActive || acc.Status != model.StatusAuthenticated {
		return "", ErrNoActiveAccount
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return "", ErrJobAlreadyRunning
	}

	job := &model.Job{
		AccountID:    acc.ID,
		SourceGroups: req.SourceGroups,
		TargetGroup:  req.TargetGroup,
		DelayMin:     req.DelayMin,
		DelayMax:     req.DelayMax,
		MaxMembers:   req.MaxMembers,
	}
	if err := r.store.CreateJob(job); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	aj := &activeJob{id: job.ID, cancel: cancel, done: make(chan struct{})}
	r.current = aj
	go r.run(ctx, job, acc.Credential, aj)

	r.log.Info().Str("job", job.ID).Str("account", acc.ID).
		Int("groups", len(job.SourceGroups)).Int("max_members", job.MaxMembers).
		Msg("job started")
	return job.ID, nil
}

// Stop signals cancellation to the running job. Cancellation is cooperative:
// the loop observes it between member-add iterations and during the delay.
// Stopping an already-terminal job is a no-op success.
func (r *Runner) Stop(jobID string) error {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur != nil && cur.id == jobID {
		cur.cancel()
		return nil
	}
	if _, err := r.store.JobByID(jobID); err != nil {
		return err
	}
	return nil
}

// Current returns the running job, or nil when none is running.
func (r *Runner) Current() (*model.Job, error) {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return nil, nil
	}
	return r.store.JobByID(cur.id)
}

// done returns the completion channel of the job if it is the running one.
func (r *Runner) done(jobID string) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.id != jobID {
		return nil, false
	}
	return r.current.done, true
}

func (r *Runner) run(ctx context.Context, job *model.Job, credential string, aj *activeJob) {
	// The admission slot is freed before done closes, so anyone who observed
	// the job via done can immediately start the next one.
	defer func() {
		r.mu.Lock()
		if r.current == aj {
			r.current = nil
		}
		r.mu.Unlock()
		close(aj.done)
	}()

	added, errs := 0, 0
	finish := func(status, details string) {
		applied, err := r.store.FinishJob(job.ID, status, details)
		if err != nil {
			r.log.Error().Err(err).Str("job", job.ID).Msg("finish job")
			return
		}
		if applied {
			r.log.Info().Str("job", job.ID).Str("status", status).
				Int("added", added).Int("errors", errs).Msg("job finished")
		}
	}

	// Prime the seen-set from the target group so members already present are
	// skipped without a platform call. A failed initial listing is tolerated;
	// the adds then surface as already-member errors.
	seen := make(map[string]bool)
	if members, err := r.listMembers(ctx, job.TargetGroup, credential); err == nil {
		for _, m := range members {
			seen[m.ID] = true
		}
	} else {
		if session.Fatal(err) {
			finish(model.JobFailed, err.Error())
			return
		}
		if ctx.Err() != nil {
			finish(model.JobStopped, "")
			return
		}
		r.log.Warn().Err(err).Str("group", job.TargetGroup).Msg("target listing failed")
	}

	for _, group := range job.SourceGroups {
		if ctx.Err() != nil {
			finish(model.JobStopped, "")
			return
		}
		members, err := r.listMembers(ctx, group, credential)
		if err != nil {
			if session.Fatal(err) {
				finish(model.JobFailed, err.Error())
				return
			}
			if ctx.Err() != nil {
				finish(model.JobStopped, "")
				return
			}
			errs++
			_ = r.store.UpdateJobProgress(job.ID, added, errs)
			r.log.Warn().Err(err).Str("group", group).Msg("source listing failed")
			continue
		}

		for _, m := range members {
			if ctx.Err() != nil {
				finish(model.JobStopped, "")
				return
			}
			if seen[m.ID] {
				continue
			}

			err := r.addMember(ctx, job.TargetGroup, m, credential)
			switch {
			case err == nil:
				added++
				seen[m.ID] = true
				_ = r.store.AddMemberAttempt(job.ID, m.ID, true, "")
			case session.Fatal(err):
				// Session gone: abort, counters accumulated so far stand.
				_ = r.store.AddMemberAttempt(job.ID, m.ID, false, err.Error())
				_ = r.store.UpdateJobProgress(job.ID, added, errs)
				finish(model.JobFailed, err.Error())
				return
			case ctx.Err() != nil:
				finish(model.JobStopped, "")
				return
			default:
				// Per-member failure (already member, privacy, rate limit,
				// timeout, transient network): count and continue.
				errs++
				_ = r.store.AddMemberAttempt(job.ID, m.ID, false, err.Error())
			}
			_ = r.store.UpdateJobProgress(job.ID, added, errs)

			if added >= job.MaxMembers {
				finish(model.JobCompleted, "")
				return
			}
			if err := r.pause(ctx, job.DelayMin, job.DelayMax); err != nil {
				finish(model.JobStopped, "")
				return
			}
		}
	}
	finish(model.JobCompleted, "")
}

func (r *Runner) listMembers(ctx context.Context, group, credential string) ([]session.Member, error) {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.client.ListMembers(cctx, group, credential)
}

func (r *Runner) addMember(ctx context.Context, group string, m session.Member, credential string) error {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.client.AddMember(cctx, group, m, credential)
}

// pause sleeps a duration drawn uniformly from [minSec, maxSec], waking early
// on cancellation. With minSec == maxSec the delay is exactly that value.
func (r *Runner) pause(ctx context.Context, minSec, maxSec int) error {
	d := time.Duration(minSec) * r.delayUnit
	if maxSec > minSec {
		d += time.Duration(rand.Int63n(int64(time.Duration(maxSec-minSec)*r.delayUnit) + 1))
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func trimBlank(groups []string) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

package workpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"volseg/internal/model"
)

type Policy struct {
	Workers int
	// JobTimeout bounds how long the collector waits for each result.
	JobTimeout time.Duration
	// MaxRounds bounds pool generations; jobs still pending after the last
	// round fail with model.ErrWorkerTimeout.
	MaxRounds int
	// TerminateGrace bounds how long teardown waits for workers to exit.
	TerminateGrace time.Duration
}

type Hooks struct {
	OnJobTimeout func(job, round int)
	OnRecreate   func(round, pending int)
}

// Stats describes how a Run went.
type Stats struct {
	Rounds        int `json:"rounds"`
	Timeouts      int `json:"timeouts"`
	Resubmissions int `json:"resubmissions"`
	Recreations   int `json:"recreations"`
}

func defaultPolicy() Policy {
	return Policy{
		Workers:        1,
		JobTimeout:     30 * time.Second,
		MaxRounds:      10,
		TerminateGrace: time.Second,
	}
}

func normalizePolicy(policy Policy) Policy {
	def := defaultPolicy()
	if policy.Workers < 1 {
		policy.Workers = def.Workers
	}
	if policy.JobTimeout <= 0 {
		policy.JobTimeout = def.JobTimeout
	}
	if policy.MaxRounds <= 0 {
		policy.MaxRounds = def.MaxRounds
	}
	if policy.TerminateGrace <= 0 {
		policy.TerminateGrace = def.TerminateGrace
	}
	return policy
}

// Run executes jobs and returns their results in job order.
//
// Each round creates a pool, submits every pending job and collects results
// in job order, waiting at most JobTimeout for each. A job that times out
// stays pending and is resubmitted in the next round. With a single worker a
// timeout abandons the round at once, since every later job would queue
// behind the stuck one. Every round ends by terminating its pool; results of
// abandoned attempts are discarded.
//
// A job error or panic terminates the pool and fails the run with
// model.ErrWorkerFatal. Cancelling ctx terminates the pool and returns
// ctx.Err().
func Run[T any](ctx context.Context, policy Policy, hooks Hooks, logger *zap.Logger, jobs []Func[T]) ([]T, Stats, error) {
	policy = normalizePolicy(policy)
	if logger == nil {
		logger = zap.NewNop()
	}
	results := make([]T, len(jobs))
	var stats Stats

	pending := make([]int, len(jobs))
	for i := range pending {
		pending[i] = i
	}

	for round := 0; len(pending) > 0; round++ {
		if round >= policy.MaxRounds {
			return nil, stats, fmt.Errorf("%w: %d jobs still pending after %d rounds", model.ErrWorkerTimeout, len(pending), round)
		}
		if round > 0 {
			stats.Recreations++
			stats.Resubmissions += len(pending)
			logger.Warn("recreating worker pool", zap.Int("round", round), zap.Int("pending", len(pending)))
			if hooks.OnRecreate != nil {
				hooks.OnRecreate(round, len(pending))
			}
		}
		stats.Rounds++

		next, err := runRound(ctx, policy, hooks, logger, round, jobs, pending, results, &stats)
		if err != nil {
			return nil, stats, err
		}
		pending = next
	}
	return results, stats, nil
}

func runRound[T any](ctx context.Context, policy Policy, hooks Hooks, logger *zap.Logger, round int, jobs []Func[T], pending []int, results []T, stats *Stats) ([]int, error) {
	workers := min(policy.Workers, len(pending))
	pool := NewPool[T](ctx, workers, len(pending))
	defer pool.Terminate(policy.TerminateGrace)

	futures := make([]*Future[T], len(pending))
	for i, job := range pending {
		f, err := pool.Submit(job, jobs[job])
		if err != nil {
			return nil, err
		}
		futures[i] = f
	}

	var still []int
	for i, job := range pending {
		value, err := futures[i].Wait(ctx, policy.JobTimeout)
		switch {
		case err == nil:
			results[job] = value
		case errors.Is(err, model.ErrWorkerTimeout):
			stats.Timeouts++
			still = append(still, job)
			logger.Warn("job result timed out, will resubmit", zap.Int("job", job), zap.Int("round", round), zap.Duration("timeout", policy.JobTimeout))
			if hooks.OnJobTimeout != nil {
				hooks.OnJobTimeout(job, round)
			}
			if policy.Workers == 1 {
				return append(still, pending[i+1:]...), nil
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			logger.Error("job failed, terminating workers", zap.Int("job", job), zap.Error(err))
			return nil, fmt.Errorf("%w: job %d: %w", model.ErrWorkerFatal, job, err)
		}
	}
	return still, nil
}

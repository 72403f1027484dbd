package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/covigo-scheduling/internal/principal"
	redisclient "github.com/hackgods/covigo-scheduling/internal/redis"
)

// Batch applies op to every slot in ids on behalf of p. Only one batch per
// principal runs at a time; a second call returns ErrBusy right away.
//
// The job runs in the background and outlives ctx. Batch waits up to the
// configured pacing for it; the result is nil if the job is still running.
// Either way the outcome is stashed on the principal's session and sent as a
// notification when the job ends.
func (s *Service) Batch(ctx context.Context, op BatchOp, ids []int64, p principal.Principal) (*BatchResult, error) {
	if !op.Valid() {
		return nil, ErrInvalidBatchOp
	}

	token, err := s.locker.Acquire(ctx, p.ID)
	if err != nil {
		if errors.Is(err, redisclient.ErrBusy) {
			s.metrics.BatchBusy(string(op))
		}
		return nil, err
	}

	jobCtx := context.WithoutCancel(ctx)
	done := make(chan BatchResult, 1)

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		done <- s.runBatch(jobCtx, op, append([]int64(nil), ids...), p, token)
	}()

	timer := time.NewTimer(s.batchPacing)
	defer timer.Stop()

	select {
	case res := <-done:
		return &res, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (s *Service) runBatch(ctx context.Context, op BatchOp, ids []int64, p principal.Principal, token string) (res BatchResult) {
	res = BatchResult{Op: op, Total: len(ids)}
	logger := s.logger.With(
		zap.String("job_id", uuid.NewString()),
		zap.String("op", string(op)),
		zap.Int64("principal_id", p.ID),
	)
	started := time.Now()
	stopKeepAlive := s.locker.KeepAlive(ctx, p.ID, token)

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("batch job panicked: %v", r)
		}

		severity := batchSeverity(res)
		text := batchMessage(res)

		if err := s.locker.StashResult(ctx, p.ID, severity, text); err != nil {
			logger.Warn("stash batch result", zap.Error(err))
		}
		s.notifier.Notify(ctx, p.ID, text, appointmentsHref)
		s.metrics.BatchFinished(string(op), string(severity))

		stopKeepAlive()
		if err := s.locker.Release(ctx, p.ID, token); err != nil {
			logger.Warn("release session lock", zap.Error(err))
		}

		fields := []zap.Field{
			zap.Int("total", res.Total),
			zap.Int("failures", res.Failures),
			zap.Duration("took", time.Since(started)),
		}
		if res.Err != nil {
			logger.Error("batch job aborted", append(fields, zap.Error(res.Err))...)
			return
		}
		logger.Info("batch job finished", fields...)
	}()

	for i, id := range ids {
		err := s.apply(ctx, op, id, p)
		if err == nil {
			continue
		}
		if IsDomainError(err) {
			logger.Debug("slot rejected", zap.Int64("slot_id", id), zap.Error(err))
			res.Failures++
			continue
		}
		res.Err = err
		res.Failures += len(ids) - i
		break
	}
	return res
}

// batchSeverity grades a finished job: success when nothing failed, warning
// when everything did, error for a partial result or an aborted job.
func batchSeverity(res BatchResult) redisclient.Severity {
	switch {
	case res.Err != nil:
		return redisclient.SeverityError
	case res.Failures == 0:
		return redisclient.SeveritySuccess
	case res.Failures >= res.Total:
		return redisclient.SeverityWarning
	default:
		return redisclient.SeverityError
	}
}

type opWording struct {
	verb     string
	singular string
	plural   string
}

var wording = map[BatchOp]opWording{
	OpBook:   {verb: "booked", singular: "appointment", plural: "appointments"},
	OpCancel: {verb: "cancelled", singular: "appointment", plural: "appointments"},
	OpDelete: {verb: "deleted", singular: "availability", plural: "availabilities"},
}

func (w opWording) noun(n int) string {
	if n == 1 {
		return w.singular
	}
	return w.plural
}

func batchMessage(res BatchResult) string {
	w := wording[res.Op]
	succeeded := res.Total - res.Failures

	switch {
	case res.Err != nil:
		return fmt.Sprintf("Something went wrong: %d of %d selected %s %s before the operation stopped. Please try again.",
			succeeded, res.Total, w.noun(res.Total), verbPhrase(succeeded, w.verb))
	case res.Failures == 0:
		return fmt.Sprintf("Successfully %s %d %s.", w.verb, res.Total, w.noun(res.Total))
	case res.Failures >= res.Total:
		return fmt.Sprintf("None of the selected %s could be %s.", w.plural, w.verb)
	default:
		return fmt.Sprintf("%d of %d selected %s %s; %d could not be %s.",
			succeeded, res.Total, w.noun(res.Total), verbPhrase(succeeded, w.verb), res.Failures, w.verb)
	}
}

func verbPhrase(n int, verb string) string {
	if n == 1 {
		return "was " + verb
	}
	return "were " + verb
}

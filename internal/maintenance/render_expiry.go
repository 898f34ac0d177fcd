package maintenance

import (
	"context"
	"errors"
	"time"
)

type renderExpirer interface {
	ExpireStaleRenders(ctx context.Context, before time.Time, limit int) (int, error)
}

// NewRenderExpiryJob fails compositions whose render has waited longer than
// timeout for a renderer reply, so they can be requested again.
func NewRenderExpiryJob(compositions renderExpirer, timeout time.Duration, batch int) (Job, error) {
	if compositions == nil {
		return nil, errors.New("composition service required")
	}
	if timeout <= 0 {
		return nil, errors.New("render timeout must be positive")
	}
	return &renderExpiryJob{compositions: compositions, timeout: timeout, batch: batch, now: time.Now}, nil
}

type renderExpiryJob struct {
	compositions renderExpirer
	timeout      time.Duration
	batch        int
	now          func() time.Time
}

func (j *renderExpiryJob) Name() string { return "render-expiry" }

func (j *renderExpiryJob) Run(ctx context.Context) (int64, error) {
	expired, err := j.compositions.ExpireStaleRenders(ctx, j.now().Add(-j.timeout), j.batch)
	return int64(expired), err
}

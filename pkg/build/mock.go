package build

import (
	"context"
	"time"
)

type Mock struct {
	CreateJobFunc func(ctx context.Context, req Request) (JobHandle, error)
	AwaitJobFunc  func(ctx context.Context, h JobHandle, timeout, interval time.Duration) (Outcome, error)
	DeleteJobFunc func(ctx context.Context, h JobHandle) error
}

var _ Executor = &Mock{}

func (m *Mock) CreateJob(ctx context.Context, req Request) (JobHandle, error) {
	return m.CreateJobFunc(ctx, req)
}

func (m *Mock) AwaitJob(ctx context.Context, h JobHandle, timeout, interval time.Duration) (Outcome, error) {
	return m.AwaitJobFunc(ctx, h, timeout, interval)
}

func (m *Mock) DeleteJob(ctx context.Context, h JobHandle) error {
	return m.DeleteJobFunc(ctx, h)
}

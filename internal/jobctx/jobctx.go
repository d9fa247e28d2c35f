package jobctx

import "context"

type jobKey struct{}
type workerKey struct{}

// WithJobID returns a copy of ctx with the job ID attached.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobKey{}, id)
}

// JobID extracts the job ID from ctx. Returns "" if absent.
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobKey{}).(string)
	return id
}

// WithWorkerID returns a copy of ctx with the worker ID attached.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerKey{}, id)
}

// WorkerID extracts the worker ID from ctx. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	id, _ := ctx.Value(workerKey{}).(string)
	return id
}

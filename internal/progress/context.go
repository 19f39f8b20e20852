package progress

import "context"

type jobIDKey struct{}

// WithJobID tags ctx so components emitting events deep in a run can attribute
// them to the owning job.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFrom returns the job tagged on ctx, or "".
func JobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

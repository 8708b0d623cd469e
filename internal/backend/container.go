package backend

import (
	"context"
	"fmt"
)

// Container wraps another backend and runs the job executable inside a
// singularity image. Everything else, submission and polling included, is
// delegated to the wrapped backend.
type Container struct {
	image string
	inner Backend
}

// NewContainer wraps inner so its jobs execute inside image.
func NewContainer(image string, inner Backend) *Container {
	return &Container{image: image, inner: inner}
}

func (c *Container) Name() string { return "container" }

func (c *Container) WriteSubmission(ctx context.Context, job Job) error {
	return c.inner.WriteSubmission(ctx, c.wrap(job))
}

func (c *Container) Submit(ctx context.Context, job Job) (string, error) {
	return c.inner.Submit(ctx, c.wrap(job))
}

func (c *Container) Poll(ctx context.Context, job Job, handle string) (PollState, error) {
	return c.inner.Poll(ctx, c.wrap(job), handle)
}

func (c *Container) wrap(job Job) Job {
	wrapped := job
	wrapped.Executable = fmt.Sprintf("singularity exec --bind %q %q %s", job.Dir, c.image, job.Executable)
	return wrapped
}

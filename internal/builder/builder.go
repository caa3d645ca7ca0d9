package builder

import (
	"context"

	"github.com/example/imager/core-go/internal/model"
)

// Builder runs the external image build for a claimed job. It is a black box
// to the dispatcher: the returned log is whatever output the build produced,
// and a non-nil error carries the human-readable failure message that ends up
// on the job record.
type Builder interface {
	Build(ctx context.Context, job model.Job) (log string, err error)
}

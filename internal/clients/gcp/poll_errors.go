package gcp

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/loomstudio/loom-backend/internal/pipeline"
)

// pollErrorFrom classifies a gRPC failure for the pipeline engine: quota and
// availability hiccups are retryable, anything else is as final as an
// explicit failed outcome.
func pollErrorFrom(err error) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return &pipeline.TransientPollError{Err: err}
		}
	}
	return &pipeline.PermanentPollError{Err: err}
}

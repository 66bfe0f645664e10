package gcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/google/uuid"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/pipeline"
)

// VisionDescribeAdapter backs image.describe with Vision label detection.
// The Vision annotate call is synchronous, so the adapter wraps it in an
// in-process operation registry to keep presenting the submit/poll contract:
// Submit kicks the call off in a goroutine and hands back a locally minted
// id; Poll reads the recorded outcome.
//
// The registry is process-local, and the poll loop may run on any replica.
// A poller that does not hold the op (another instance submitted it, or this
// process restarted) gets a transient error, never a terminal one — only the
// driver's task timeout may give up on its behalf. Finished ops stay readable
// until visionOpRetention so a driver that lost its persistence race can read
// the outcome again on the next pass.
type VisionDescribeAdapter struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient

	mu  sync.Mutex
	ops map[string]*visionOp
}

// visionOpRetention bounds registry growth; it only needs to outlive the poll
// interval by a comfortable margin, not the task timeout.
const visionOpRetention = 30 * time.Minute

type visionOp struct {
	done   bool
	doneAt time.Time
	result map[string]any
	err    string
}

func NewVisionDescribeAdapter(log *logger.Logger) (*VisionDescribeAdapter, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	client, err := vision.NewImageAnnotatorClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionDescribeAdapter{
		log:    log.With("adapter", "VisionDescribeAdapter"),
		client: client,
		ops:    map[string]*visionOp{},
	}, nil
}

func (a *VisionDescribeAdapter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *VisionDescribeAdapter) Submit(ctx context.Context, taskType string, params map[string]string) (string, error) {
	uri := strings.TrimSpace(params["image_uri"])
	if uri == "" {
		return "", fmt.Errorf("missing image_uri param")
	}
	id := uuid.NewString()
	a.mu.Lock()
	a.ops[id] = &visionOp{}
	a.mu.Unlock()

	// Detached context: the submit request finishing must not cancel the
	// annotation in flight.
	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		resp, err := a.client.BatchAnnotateImages(dctx, &visionpb.BatchAnnotateImagesRequest{
			Requests: []*visionpb.AnnotateImageRequest{{
				Image:    &visionpb.Image{Source: &visionpb.ImageSource{ImageUri: uri}},
				Features: []*visionpb.Feature{{Type: visionpb.Feature_LABEL_DETECTION, MaxResults: 10}},
			}},
		})
		var labels []*visionpb.EntityAnnotation
		if err == nil {
			if rs := resp.GetResponses(); len(rs) > 0 {
				if e := rs[0].GetError(); e != nil {
					err = fmt.Errorf("%s", e.GetMessage())
				} else {
					labels = rs[0].GetLabelAnnotations()
				}
			}
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		op, ok := a.ops[id]
		if !ok {
			return
		}
		op.done = true
		op.doneAt = time.Now()
		if err != nil {
			op.err = err.Error()
			return
		}
		var names []string
		for _, l := range labels {
			if d := strings.TrimSpace(l.GetDescription()); d != "" {
				names = append(names, d)
			}
		}
		op.result = map[string]any{
			"description": strings.Join(names, ", "),
			"labels":      names,
			"provider":    "gcp_vision",
		}
	}()
	return id, nil
}

func (a *VisionDescribeAdapter) Poll(ctx context.Context, taskType string, externalID string) (pipeline.PollResult, error) {
	a.mu.Lock()
	a.pruneLocked(time.Now())
	op, ok := a.ops[externalID]
	var snapshot visionOp
	if ok {
		snapshot = *op
	}
	a.mu.Unlock()

	if !ok {
		// Not ours to answer: the op lives on the replica that submitted it.
		return pipeline.PollResult{}, &pipeline.TransientPollError{Err: fmt.Errorf("vision operation %s not in local registry", externalID)}
	}
	if !snapshot.done {
		return pipeline.PollResult{Status: pipeline.PollRunning}, nil
	}
	if snapshot.err != "" {
		return pipeline.PollResult{Status: pipeline.PollFailed, Error: snapshot.err}, nil
	}
	return pipeline.PollResult{Status: pipeline.PollCompleted, Result: snapshot.result}, nil
}

func (a *VisionDescribeAdapter) Cancel(ctx context.Context, taskType string, externalID string) error {
	a.mu.Lock()
	delete(a.ops, externalID)
	a.mu.Unlock()
	return nil
}

// pruneLocked drops finished ops past retention. Caller holds a.mu.
func (a *VisionDescribeAdapter) pruneLocked(now time.Time) {
	for id, op := range a.ops {
		if op.done && now.Sub(op.doneAt) > visionOpRetention {
			delete(a.ops, id)
		}
	}
}

package gcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/pipeline"
)

// VideoDescribeAdapter backs video.describe with Video Intelligence label
// detection. AnnotateVideo is an LRO; the operation name is the external id.
type VideoDescribeAdapter struct {
	log    *logger.Logger
	client *videointelligence.Client
}

func NewVideoDescribeAdapter(log *logger.Logger) (*VideoDescribeAdapter, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	client, err := videointelligence.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("videointelligence client: %w", err)
	}
	return &VideoDescribeAdapter{
		log:    log.With("adapter", "VideoDescribeAdapter"),
		client: client,
	}, nil
}

func (a *VideoDescribeAdapter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *VideoDescribeAdapter) Submit(ctx context.Context, taskType string, params map[string]string) (string, error) {
	uri := strings.TrimSpace(params["video_uri"])
	if uri == "" {
		return "", fmt.Errorf("missing video_uri param")
	}
	req := &vipb.AnnotateVideoRequest{
		InputUri: uri,
		Features: []vipb.Feature{
			vipb.Feature_LABEL_DETECTION,
			vipb.Feature_SHOT_CHANGE_DETECTION,
		},
	}
	op, err := a.client.AnnotateVideo(ctx, req)
	if err != nil {
		return "", fmt.Errorf("annotate video: %w", err)
	}
	return op.Name(), nil
}

func (a *VideoDescribeAdapter) Poll(ctx context.Context, taskType string, externalID string) (pipeline.PollResult, error) {
	op := a.client.AnnotateVideoOperation(externalID)
	resp, err := op.Poll(ctx)
	if err != nil {
		return pipeline.PollResult{}, pollErrorFrom(err)
	}
	if !op.Done() {
		return pipeline.PollResult{Status: pipeline.PollRunning}, nil
	}
	labels := topLabels(resp, 8)
	return pipeline.PollResult{
		Status: pipeline.PollCompleted,
		Result: map[string]any{
			"description": strings.Join(labels, ", "),
			"labels":      labels,
			"provider":    "gcp_videointelligence",
		},
	}, nil
}

func (a *VideoDescribeAdapter) Cancel(ctx context.Context, taskType string, externalID string) error {
	lro := longrunningpb.NewOperationsClient(a.client.Connection())
	if _, err := lro.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: externalID}); err != nil {
		a.log.Debug("annotate video cancel failed", "external_id", externalID, "error", err)
	}
	return nil
}

func topLabels(resp *vipb.AnnotateVideoResponse, max int) []string {
	type scored struct {
		desc  string
		score float32
	}
	var all []scored
	for _, ar := range resp.GetAnnotationResults() {
		for _, la := range ar.GetSegmentLabelAnnotations() {
			desc := la.GetEntity().GetDescription()
			if desc == "" {
				continue
			}
			var best float32
			for _, seg := range la.GetSegments() {
				if seg.GetConfidence() > best {
					best = seg.GetConfidence()
				}
			}
			all = append(all, scored{desc: desc, score: best})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	seen := map[string]bool{}
	var out []string
	for _, s := range all {
		if seen[s.desc] {
			continue
		}
		seen[s.desc] = true
		out = append(out, s.desc)
		if len(out) >= max {
			break
		}
	}
	return out
}

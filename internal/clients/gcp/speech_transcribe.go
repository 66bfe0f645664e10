package gcp

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/pipeline"
)

// SpeechTranscribeAdapter backs the audio.transcribe task type with GCP
// Speech-to-Text. LongRunningRecognize is a genuine LRO: the operation name
// is the external correlation id and Poll reconstructs the operation from it.
type SpeechTranscribeAdapter struct {
	log    *logger.Logger
	client *speech.Client
}

func NewSpeechTranscribeAdapter(log *logger.Logger) (*SpeechTranscribeAdapter, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	client, err := speech.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &SpeechTranscribeAdapter{
		log:    log.With("adapter", "SpeechTranscribeAdapter"),
		client: client,
	}, nil
}

func (a *SpeechTranscribeAdapter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *SpeechTranscribeAdapter) Submit(ctx context.Context, taskType string, params map[string]string) (string, error) {
	uri := strings.TrimSpace(params["audio_uri"])
	if uri == "" {
		return "", fmt.Errorf("missing audio_uri param")
	}
	lang := strings.TrimSpace(params["language"])
	if lang == "" {
		lang = "en-US"
	}
	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_ENCODING_UNSPECIFIED,
			LanguageCode:               lang,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: uri},
		},
	}
	op, err := a.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return "", fmt.Errorf("long running recognize: %w", err)
	}
	return op.Name(), nil
}

func (a *SpeechTranscribeAdapter) Poll(ctx context.Context, taskType string, externalID string) (pipeline.PollResult, error) {
	op := a.client.LongRunningRecognizeOperation(externalID)
	resp, err := op.Poll(ctx)
	if err != nil {
		return pipeline.PollResult{}, pollErrorFrom(err)
	}
	if !op.Done() {
		return pipeline.PollResult{Status: pipeline.PollRunning}, nil
	}
	var parts []string
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) > 0 {
			parts = append(parts, strings.TrimSpace(alts[0].GetTranscript()))
		}
	}
	return pipeline.PollResult{
		Status: pipeline.PollCompleted,
		Result: map[string]any{
			"transcript": strings.Join(parts, " "),
			"provider":   "gcp_speech",
		},
	}, nil
}

// Speech LROs are not cancellable through the client; in-flight work just
// reports into an already-terminal run.
func (a *SpeechTranscribeAdapter) Cancel(ctx context.Context, taskType string, externalID string) error {
	return nil
}

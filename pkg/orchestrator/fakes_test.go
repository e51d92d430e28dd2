package orchestrator

import (
	"context"

	apperrors "github.com/prodplan-one/copilot-core/internal/errors"
	"github.com/prodplan-one/copilot-core/pkg/modelgateway"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

var modelOfflineErr = apperrors.New(apperrors.ErrorTypeModelOffline, "model offline")

// fakeModel is a scripted modelgateway.Client for orchestrator tests.
type fakeModel struct {
	replies    []string
	callCount  int
	embedding  []float32
	offline    bool
	generateFn func(prompt string) (string, error)
}

func (f *fakeModel) Generate(_ context.Context, prompt string, _ modelgateway.Options) (*modelgateway.ModelReply, error) {
	if f.offline {
		return nil, modelOfflineErr
	}
	f.callCount++
	if f.generateFn != nil {
		text, err := f.generateFn(prompt)
		if err != nil {
			return nil, err
		}
		return &modelgateway.ModelReply{Text: text, ModelName: "fake-model", EvalTokens: 42}, nil
	}
	idx := f.callCount - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return &modelgateway.ModelReply{Text: f.replies[idx], ModelName: "fake-model", EvalTokens: 42}, nil
}

func (f *fakeModel) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.embedding
	}
	return out, nil
}

func (f *fakeModel) Probe(_ context.Context) (modelgateway.HealthStatus, error) {
	if f.offline {
		return modelgateway.StatusOffline, nil
	}
	return modelgateway.StatusOnline, nil
}

// fakeRetrieval is a scripted retrieval.Store for orchestrator tests.
type fakeRetrieval struct {
	chunks []types.RankedChunk
	err    error
}

func (f *fakeRetrieval) Search(_ context.Context, _, _ string, _ []float32, _ int) ([]types.RankedChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chunks, nil
}

func (f *fakeRetrieval) Insert(_ context.Context, _ types.DocumentChunk) error { return nil }

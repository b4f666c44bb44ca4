package stt

import (
	"context"
	"math"
	"strings"
)

var mockVocabulary = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliett", "kilo", "lima", "mike", "november", "oscar", "papa",
}

const mockVoiceLevel = 0.01

type mockEngine struct {
	wordSamples int
}

// NewMockEngine returns a deterministic engine that emits one word per half
// second of voiced audio, so longer speech always yields longer text.
func NewMockEngine(sampleRate int) Engine {
	ws := sampleRate / 2
	if ws <= 0 {
		ws = 8000
	}
	return &mockEngine{wordSamples: ws}
}

func (m *mockEngine) Transcribe(ctx context.Context, samples []float32) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	voiced := 0
	for _, s := range samples {
		if math.Abs(float64(s)) >= mockVoiceLevel {
			voiced++
		}
	}
	n := voiced / m.wordSamples
	if n == 0 {
		return Result{}, nil
	}
	words := make([]string, n)
	for i := range words {
		words[i] = mockVocabulary[i%len(mockVocabulary)]
	}
	return Result{Text: strings.Join(words, " ")}, nil
}

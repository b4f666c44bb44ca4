//go:build !whisper

package stt

import (
	"errors"

	"github.com/loqalabs/loqa-live/internal/config"
)

// ErrWhisperUnavailable is returned when the binary was built without the whisper tag.
var ErrWhisperUnavailable = errors.New("whisper engine not compiled in (build with -tags whisper)")

func NewWhisperEngine(config.STTConfig) (Engine, error) {
	return nil, ErrWhisperUnavailable
}

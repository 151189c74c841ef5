package uploads

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-audio/wav"
	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const whisperSampleRate = 16000

// Transcriber converts a WAV voice upload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wavBytes []byte) (string, error)
}

// WhisperTranscriber decodes a WAV buffer with go-audio/wav and transcribes
// it with a loaded whisper.cpp model. Grounded on cmd/whisper-go/main.go's
// load-samples/Process/NextSegment loop, with the hand-rolled WAV header
// parsing there replaced by go-audio/wav's decoder.
type WhisperTranscriber struct {
	model whisper.Model
}

// NewWhisperTranscriber loads the model at modelPath once; the returned
// Transcriber is safe for concurrent use across uploads.
func NewWhisperTranscriber(modelPath string) (*WhisperTranscriber, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("uploads: load whisper model: %w", err)
	}
	return &WhisperTranscriber{model: model}, nil
}

// Close releases the underlying model.
func (t *WhisperTranscriber) Close() error {
	return t.model.Close()
}

// Transcribe decodes wavBytes to mono float32 PCM and runs it through
// whisper, concatenating every segment's text.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, wavBytes []byte) (string, error) {
	samples, err := decodeWAVSamples(wavBytes)
	if err != nil {
		return "", err
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("uploads: new whisper context: %w", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("uploads: whisper process: %w", err)
	}

	var sb strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		sb.WriteString(segment.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

// decodeWAVSamples decodes a WAV buffer into mono float32 samples in
// [-1.0, 1.0], downmixing stereo by averaging channels. It does not
// resample non-16kHz audio — whisper.cpp itself degrades gracefully on
// near-rate audio, and resampling is out of scope for this path.
func decodeWAVSamples(wavBytes []byte) ([]float32, error) {
	dec := wav.NewDecoder(bytes.NewReader(wavBytes))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("uploads: decode wav: %w", err)
	}
	if buf.Format == nil {
		return nil, fmt.Errorf("uploads: wav missing format chunk")
	}

	maxVal := float32(int(1) << uint(buf.SourceBitDepth-1))
	if maxVal == 0 {
		maxVal = 32768
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}

	samples := make([]float32, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i+c]) / maxVal
		}
		samples = append(samples, sum/float32(channels))
	}
	return samples, nil
}

func isWAVContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "audio/wav" || ct == "audio/x-wav" || ct == "audio/wave"
}

var _ = whisperSampleRate // documents the rate whisper expects; no resampling is performed

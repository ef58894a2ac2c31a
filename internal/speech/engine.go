// Package speech binds the OpenAI audio endpoints: Whisper transcription
// of recorded caller statements and TTS synthesis for prompts served out
// of the audio blob cache.
package speech

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"

	"github.com/notdienststation/dispatch/internal/llm"
	"github.com/notdienststation/dispatch/pkg/logging"
)

var speechTracer = otel.Tracer("dispatch.internal.speech")

// audioAPI is the slice of the OpenAI client the engine needs.
type audioAPI interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
	CreateSpeech(ctx context.Context, request openai.CreateSpeechRequest) (openai.RawResponse, error)
}

// Engine transcribes recordings and synthesizes prompt audio.
type Engine struct {
	client   audioAPI
	ttsModel openai.SpeechModel
	ttsVoice openai.SpeechVoice
	cache    *llm.Cache
	logger   *logging.Logger
}

// Config configures the engine.
type Config struct {
	APIKey   string
	TTSModel string
	TTSVoice string
	// CacheDir is the root cache directory; blobs land in its audio/
	// subdirectory.
	CacheDir string
	Logger   *logging.Logger
}

// New creates an engine with a real OpenAI client.
func New(cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("speech: API key required")
	}
	cache, err := llm.NewCache(filepath.Join(cfg.CacheDir, "audio"))
	if err != nil {
		return nil, err
	}
	e := NewEngineWithClient(openai.NewClient(cfg.APIKey), cache, cfg.Logger)
	if cfg.TTSModel != "" {
		e.ttsModel = openai.SpeechModel(cfg.TTSModel)
	}
	if cfg.TTSVoice != "" {
		e.ttsVoice = openai.SpeechVoice(cfg.TTSVoice)
	}
	return e, nil
}

// NewEngineWithClient wires an explicit client, for tests.
func NewEngineWithClient(client audioAPI, cache *llm.Cache, logger *logging.Logger) *Engine {
	if client == nil {
		panic("speech: client is required")
	}
	if cache == nil {
		panic("speech: cache is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		client:   client,
		ttsModel: openai.TTSModel1,
		ttsVoice: openai.VoiceAlloy,
		cache:    cache,
		logger:   logger,
	}
}

// Transcribe converts recorded audio to German text.
func (e *Engine) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("speech: empty audio")
	}
	if filename == "" {
		filename = "recording.mp3"
	}

	ctx, span := speechTracer.Start(ctx, "speech.transcribe")
	defer span.End()

	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audio),
		FilePath: filename,
		Language: "de",
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("speech: transcribe: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	e.logger.Info("transcription complete", "chars", len(text))
	return text, nil
}

// Synthesize renders text to MP3, cached by content so a repeated prompt
// costs one API call ever. Returns the blob key for /audio/{key}.mp3.
func (e *Engine) Synthesize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("speech: empty text")
	}

	key := blobKey(string(e.ttsModel), string(e.ttsVoice), text)
	if _, ok := e.cache.GetBytes(key, "mp3"); ok {
		return key, nil
	}

	ctx, span := speechTracer.Start(ctx, "speech.synthesize")
	defer span.End()

	resp, err := e.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          e.ttsModel,
		Input:          text,
		Voice:          e.ttsVoice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("speech: synthesize: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return "", fmt.Errorf("speech: read synthesis: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("speech: empty synthesis result")
	}

	if err := e.cache.PutBytes(key, "mp3", data); err != nil {
		return "", err
	}
	return key, nil
}

// Audio returns a cached TTS blob by key.
func (e *Engine) Audio(key string) ([]byte, bool) {
	return e.cache.GetBytes(key, "mp3")
}

func blobKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

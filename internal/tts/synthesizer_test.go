package tts_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/story-narrator/internal/audio"
	"github.com/book-expert/story-narrator/internal/core"
	"github.com/book-expert/story-narrator/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMockUnavailable = errors.New("mock service unavailable")
	errMockEngine      = errors.New("mock engine failure")
	errMockTranscode   = errors.New("mock transcode failure")
)

// scriptedClient fails until attempt succeedOn (1-indexed); zero never succeeds.
type scriptedClient struct {
	succeedOn int
	failWith  error
	calls     atomic.Int32
}

func (c *scriptedClient) GenerateSpeech(_ context.Context, _ string) ([]byte, error) {
	call := int(c.calls.Add(1))
	if c.succeedOn > 0 && call >= c.succeedOn {
		return testAudio, nil
	}

	if c.failWith != nil {
		return nil, c.failWith
	}

	return nil, errMockUnavailable
}

type fakeEngine struct {
	format audio.Format
	err    error
	calls  atomic.Int32
	text   string
}

func (e *fakeEngine) Format() audio.Format { return e.format }

func (e *fakeEngine) Synthesize(_ context.Context, text, outputPath string) error {
	e.calls.Add(1)
	e.text = text

	if e.err != nil {
		_ = os.WriteFile(outputPath, []byte("partial"), 0o600)

		return e.err
	}

	return os.WriteFile(outputPath, []byte("native-"+string(e.format)), 0o600)
}

type fakeTranscoder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeTranscoder) Transcode(_ context.Context, source, destination string) error {
	f.calls.Add(1)

	if f.err != nil {
		return f.err
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}

	return os.WriteFile(destination, append([]byte("transcoded:"), data...), 0o600)
}

func fastPolicy(maxAttempts int) tts.RetryPolicy {
	return tts.RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxJitter:    0,
		Jitter:       nil,
	}
}

func newWorkspace(t *testing.T) *audio.Workspace {
	t.Helper()

	workspace, err := audio.NewWorkspace(filepath.Join(t.TempDir(), "run"), audio.FormatFLAC)
	require.NoError(t, err)

	return workspace
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

func TestSynthesizer_AlwaysFailingPrimaryFallsBackOnce(t *testing.T) {
	t.Parallel()

	for _, maxAttempts := range []int{1, 5, 10} {
		client := &scriptedClient{}
		engine := &fakeEngine{format: audio.FormatWAV}
		transcoder := &fakeTranscoder{}
		workspace := newWorkspace(t)

		synthesizer := tts.NewSynthesizer(client, engine, transcoder,
			tts.SynthesizerOptions{Policy: fastPolicy(maxAttempts)}, createTestLogger(t))

		artifact, err := synthesizer.Synthesize(context.Background(), testStory, workspace)
		require.NoError(t, err)

		assert.Equal(t, int32(maxAttempts), client.calls.Load(), "exactly MaxAttempts primary attempts")
		assert.Equal(t, int32(1), engine.calls.Load(), "exactly one fallback invocation")
		assert.Equal(t, int32(1), transcoder.calls.Load())
		assert.Equal(t, testStory, engine.text)

		assert.Equal(t, core.ProvenanceFallback, artifact.Provenance)
		assert.Equal(t, workspace.FallbackPath(), artifact.Path)
		assert.Equal(t, audio.FormatFLAC, artifact.Format)
		assert.Equal(t, "audio/flac", artifact.ContentType)

		data, readErr := os.ReadFile(artifact.Path)
		require.NoError(t, readErr)
		assert.Equal(t, "transcoded:native-wav", string(data))
		assert.Equal(t, int64(len(data)), artifact.Size)

		assert.Equal(t, []string{"narration-fallback.flac"}, listFiles(t, workspace.Dir()),
			"intermediate file removed and no primary slot")
	}
}

func TestSynthesizer_PrimarySucceedsOnAttemptK(t *testing.T) {
	t.Parallel()

	for succeedOn := 1; succeedOn <= 4; succeedOn++ {
		client := &scriptedClient{succeedOn: succeedOn}
		engine := &fakeEngine{format: audio.FormatWAV}
		workspace := newWorkspace(t)

		synthesizer := tts.NewSynthesizer(client, engine, &fakeTranscoder{},
			tts.SynthesizerOptions{Policy: fastPolicy(4)}, createTestLogger(t))

		artifact, err := synthesizer.Synthesize(context.Background(), testStory, workspace)
		require.NoError(t, err)

		assert.Equal(t, int32(succeedOn), client.calls.Load())
		assert.Equal(t, int32(0), engine.calls.Load(), "fallback must not run")
		assert.Equal(t, core.ProvenancePrimary, artifact.Provenance)
		assert.Equal(t, workspace.PrimaryPath(), artifact.Path)

		data, readErr := os.ReadFile(artifact.Path)
		require.NoError(t, readErr)
		assert.Equal(t, testAudio, data)
		assert.Equal(t, []string{"narration.flac"}, listFiles(t, workspace.Dir()))
	}
}

func TestSynthesizer_UnexpectedContentTypeIsAFailedAttempt(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{failWith: tts.ErrUnexpectedContentType}
	engine := &fakeEngine{format: audio.FormatFLAC}
	transcoder := &fakeTranscoder{}

	synthesizer := tts.NewSynthesizer(client, engine, transcoder,
		tts.SynthesizerOptions{Policy: fastPolicy(3)}, createTestLogger(t))

	artifact, err := synthesizer.Synthesize(context.Background(), testStory, newWorkspace(t))
	require.NoError(t, err)

	assert.Equal(t, int32(3), client.calls.Load())
	assert.Equal(t, core.ProvenanceFallback, artifact.Provenance)
	assert.Equal(t, int32(0), transcoder.calls.Load(), "same format needs no transcoding")
}

func TestSynthesizer_ClearsStaleSlots(t *testing.T) {
	t.Parallel()

	workspace := newWorkspace(t)
	require.NoError(t, os.WriteFile(workspace.FallbackPath(), []byte("stale"), 0o600))

	synthesizer := tts.NewSynthesizer(&scriptedClient{succeedOn: 1}, &fakeEngine{format: audio.FormatWAV},
		&fakeTranscoder{}, tts.SynthesizerOptions{Policy: fastPolicy(2)}, createTestLogger(t))

	artifact, err := synthesizer.Synthesize(context.Background(), testStory, workspace)
	require.NoError(t, err)

	assert.Equal(t, core.ProvenancePrimary, artifact.Provenance)
	assert.Equal(t, []string{"narration.flac"}, listFiles(t, workspace.Dir()))
}

func TestSynthesizer_FallbackFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		engine     *fakeEngine
		transcoder *fakeTranscoder
		wantErr    error
	}{
		{
			name:       "engine fails",
			engine:     &fakeEngine{format: audio.FormatWAV, err: errMockEngine},
			transcoder: &fakeTranscoder{},
			wantErr:    errMockEngine,
		},
		{
			name:       "transcoding fails",
			engine:     &fakeEngine{format: audio.FormatWAV},
			transcoder: &fakeTranscoder{err: errMockTranscode},
			wantErr:    errMockTranscode,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			workspace := newWorkspace(t)
			synthesizer := tts.NewSynthesizer(&scriptedClient{}, testCase.engine, testCase.transcoder,
				tts.SynthesizerOptions{Policy: fastPolicy(2)}, createTestLogger(t))

			artifact, err := synthesizer.Synthesize(context.Background(), testStory, workspace)
			require.Nil(t, artifact)
			require.ErrorIs(t, err, core.ErrFallbackFailure)
			require.ErrorIs(t, err, testCase.wantErr)
			require.ErrorIs(t, err, core.ErrSynthesisExhausted, "exhaustion cause is attached")

			assert.Equal(t, int32(1), testCase.engine.calls.Load())
			assert.Empty(t, listFiles(t, workspace.Dir()), "no partial files remain")
		})
	}
}

func TestSynthesizer_CancelDuringBackoff(t *testing.T) {
	t.Parallel()

	policy := tts.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}

	t.Run("fails the run", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		client := &cancelingClient{cancel: cancel}
		engine := &fakeEngine{format: audio.FormatFLAC}

		synthesizer := tts.NewSynthesizer(client, engine, &fakeTranscoder{},
			tts.SynthesizerOptions{Policy: policy}, createTestLogger(t))

		_, err := synthesizer.Synthesize(ctx, testStory, newWorkspace(t))
		require.ErrorIs(t, err, core.ErrSynthesisCanceled)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(0), engine.calls.Load())
	})

	t.Run("falls back when configured", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		client := &cancelingClient{cancel: cancel}
		engine := &fakeEngine{format: audio.FormatFLAC}

		synthesizer := tts.NewSynthesizer(client, engine, &fakeTranscoder{},
			tts.SynthesizerOptions{Policy: policy, FallbackOnCancel: true, FallbackTimeout: time.Minute},
			createTestLogger(t))

		artifact, err := synthesizer.Synthesize(ctx, testStory, newWorkspace(t))
		require.NoError(t, err)
		assert.Equal(t, core.ProvenanceFallback, artifact.Provenance)
		assert.Equal(t, int32(1), client.calls.Load())
		assert.Equal(t, int32(1), engine.calls.Load())
	})
}

func TestSynthesizer_EmptyText(t *testing.T) {
	t.Parallel()

	synthesizer := tts.NewSynthesizer(&scriptedClient{}, &fakeEngine{format: audio.FormatWAV},
		&fakeTranscoder{}, tts.SynthesizerOptions{Policy: fastPolicy(1)}, createTestLogger(t))

	_, err := synthesizer.Synthesize(context.Background(), " ", newWorkspace(t))
	require.ErrorIs(t, err, tts.ErrTextEmpty)
}

// cancelingClient fails and cancels the run, so the following backoff wait is interrupted.
type cancelingClient struct {
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (c *cancelingClient) GenerateSpeech(_ context.Context, _ string) ([]byte, error) {
	c.calls.Add(1)
	c.cancel()

	return nil, errMockUnavailable
}

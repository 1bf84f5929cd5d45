// Package worker_test tests the NATS worker for the story narrator.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/audio"
	"github.com/book-expert/story-narrator/internal/core"
	"github.com/book-expert/story-narrator/internal/pipeline"
	"github.com/book-expert/story-narrator/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSubject = "story.requested"

var (
	errMockDownload = errors.New("mock download error")
	errMockUpload   = errors.New("mock upload error")
	errMockInfo     = errors.New("mock object info error")
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

// mockObjectStore is a mock implementation of the ObjectStore interface.
type mockObjectStore struct {
	mu                 sync.Mutex
	downloadShouldFail bool
	uploadShouldFail   bool
	downloadedKeys     []string
	uploadedKey        string
	uploadedData       []byte
	uploadedType       string
	storedType         string
	contentTypeErr     error
}

func (m *mockObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.downloadShouldFail {
		return nil, errMockDownload
	}

	m.downloadedKeys = append(m.downloadedKeys, key)

	return pngHeader, nil
}

func (m *mockObjectStore) ContentType(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.storedType, m.contentTypeErr
}

func (m *mockObjectStore) downloaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.downloadedKeys...)
}

func (m *mockObjectStore) uploaded() (string, []byte, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.uploadedKey, m.uploadedData, m.uploadedType
}

func (m *mockObjectStore) Upload(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.uploadShouldFail {
		return errMockUpload
	}

	m.uploadedKey = key
	m.uploadedData = data
	m.uploadedType = contentType

	return nil
}

// mockRunner returns a canned result and records the images it saw.
type mockRunner struct {
	mu     sync.Mutex
	images []core.Image
	result *pipeline.Result
	err    error
}

func (m *mockRunner) Run(_ context.Context, images []core.Image) (*pipeline.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.images = images

	return m.result, m.err
}

func (m *mockRunner) seen() []core.Image {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.images
}

func createTestNatsClient(t *testing.T) (*nats.Conn, func()) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	cleanup := func() {
		natsConnection.Close()
		server.Shutdown()
	}

	return natsConnection, cleanup
}

func successfulResult(t *testing.T) *pipeline.Result {
	t.Helper()

	runDir := filepath.Join(t.TempDir(), "run-42")
	require.NoError(t, os.MkdirAll(runDir, 0o750))

	audioPath := filepath.Join(runDir, "narration-fallback.flac")
	require.NoError(t, os.WriteFile(audioPath, []byte("flac audio"), 0o600))

	return &pipeline.Result{
		RunID:          "run-42",
		Captions:       core.CaptionSet{"A cat sitting on a windowsill", "A dog asleep"},
		CaptionIndexes: []int{0, 2},
		CaptionFailures: []pipeline.CaptionFailure{
			{Index: 1, Image: "images/b.png", Err: core.NewCaptionError("images/b.png", errMockDownload)},
		},
		Story:     "CAT: Hello.\nDOG: Zzz.",
		Workspace: runDir,
		Audio: &core.AudioArtifact{
			Path:        audioPath,
			Format:      audio.FormatFLAC,
			ContentType: "audio/flac",
			Provenance:  core.ProvenanceFallback,
			Size:        10,
		},
	}
}

type harness struct {
	images *mockObjectStore
	audio  *mockObjectStore
	runner *mockRunner
	conn   *nats.Conn
}

func startWorker(t *testing.T, runner *mockRunner, images, audioStore *mockObjectStore) *harness {
	t.Helper()

	natsConnection, natsCleanup := createTestNatsClient(t)

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	workerInstance, err := worker.NewNatsWorker(
		natsConnection, testSubject, images, audioStore, runner, 5*time.Second, testLogger,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
		natsCleanup()
		_ = testLogger.Close()
	})

	// Subscription must be active before the first request.
	require.Eventually(t, func() bool {
		return natsConnection.NumSubscriptions() > 0
	}, 2*time.Second, 10*time.Millisecond)

	return &harness{images: images, audio: audioStore, runner: runner, conn: natsConnection}
}

func request(t *testing.T, conn *nats.Conn, event any) core.StoryNarratedEvent {
	t.Helper()

	eventData, err := json.Marshal(event)
	require.NoError(t, err)

	replyMsg, err := conn.Request(testSubject, eventData, 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var reply core.StoryNarratedEvent
	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))

	return reply
}

func newRequest(keys ...string) *core.StoryRequestedEvent {
	return &core.StoryRequestedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     "user-1",
			TenantID:   "tenant-1",
		},
		ImageKeys: keys,
	}
}

func TestMessageHandler_Success(t *testing.T) {
	t.Parallel()

	result := successfulResult(t)
	h := startWorker(t, &mockRunner{result: result}, &mockObjectStore{}, &mockObjectStore{})

	requestEvent := newRequest("images/a.png", "images/b.png", "images/c.png")
	reply := request(t, h.conn, requestEvent)

	assert.Equal(t, []string{"images/a.png", "images/b.png", "images/c.png"}, h.images.downloaded())

	seen := h.runner.seen()
	require.Len(t, seen, 3)
	assert.Equal(t, "images/a.png", seen[0].Name)
	assert.Equal(t, "image/png", seen[0].MIMEType)

	uploadedKey, uploadedData, uploadedType := h.audio.uploaded()
	assert.Equal(t, "run-42/narration-fallback.flac", uploadedKey)
	assert.Equal(t, []byte("flac audio"), uploadedData)
	assert.Equal(t, "audio/flac", uploadedType)

	assert.Equal(t, requestEvent.Header.WorkflowID, reply.Header.WorkflowID)
	assert.Equal(t, "tenant-1", reply.Header.TenantID)
	assert.NotEqual(t, requestEvent.Header.EventID, reply.Header.EventID)
	assert.Equal(t, "run-42", reply.RunID)
	assert.Equal(t, uploadedKey, reply.AudioKey)
	assert.Equal(t, core.ProvenanceFallback, reply.Provenance)
	assert.Equal(t, "audio/flac", reply.ContentType)
	assert.Equal(t, []string{"A cat sitting on a windowsill", "A dog asleep"}, reply.Captions)
	assert.Equal(t, []int{0, 2}, reply.CaptionIndexes)
	require.Len(t, reply.FailedImages, 1)
	assert.Equal(t, "images/b.png", reply.FailedImages[0].Key)
	assert.Empty(t, reply.Error)
	assert.Empty(t, reply.FailedStage)

	assert.NoDirExists(t, result.Workspace, "local workspace removed after upload")
}

func TestMessageHandler_StageFailure(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{
		result: &pipeline.Result{RunID: "run-7", Captions: core.CaptionSet{"A lake"}},
		err:    &pipeline.StageFailure{Stage: pipeline.StageStory, Err: core.ErrStory},
	}
	audioStore := &mockObjectStore{}
	h := startWorker(t, runner, &mockObjectStore{}, audioStore)

	reply := request(t, h.conn, newRequest("images/lake.png"))

	assert.Equal(t, "story", reply.FailedStage)
	assert.Contains(t, reply.Error, core.ErrStory.Error())
	assert.Equal(t, []string{"A lake"}, reply.Captions)
	assert.Empty(t, reply.AudioKey)
	uploadedKey, _, _ := audioStore.uploaded()
	assert.Empty(t, uploadedKey)
}

func TestMessageHandler_DownloadFailure(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	h := startWorker(t, runner, &mockObjectStore{downloadShouldFail: true}, &mockObjectStore{})

	reply := request(t, h.conn, newRequest("images/a.png"))

	assert.Equal(t, "download", reply.FailedStage)
	assert.Contains(t, reply.Error, errMockDownload.Error())
	assert.Nil(t, runner.seen(), "pipeline must not run")
}

func TestMessageHandler_UploadFailure(t *testing.T) {
	t.Parallel()

	result := successfulResult(t)
	h := startWorker(t, &mockRunner{result: result}, &mockObjectStore{},
		&mockObjectStore{uploadShouldFail: true})

	reply := request(t, h.conn, newRequest("images/a.png"))

	assert.Equal(t, "upload", reply.FailedStage)
	assert.NotEmpty(t, reply.Story)
	assert.Empty(t, reply.AudioKey)
	assert.NoDirExists(t, result.Workspace, "local workspace removed after a failed upload")
}

func TestMessageHandler_SpeechFailureRemovesWorkspace(t *testing.T) {
	t.Parallel()

	runDir := filepath.Join(t.TempDir(), "run-9")
	require.NoError(t, os.MkdirAll(runDir, 0o750))

	runner := &mockRunner{
		result: &pipeline.Result{
			RunID:          "run-9",
			Captions:       core.CaptionSet{"A lake"},
			CaptionIndexes: []int{0},
			Story:          "LAKE: Ripple.",
			Workspace:      runDir,
		},
		err: &pipeline.StageFailure{Stage: pipeline.StageSpeech, Err: core.ErrFallbackFailure},
	}
	h := startWorker(t, runner, &mockObjectStore{}, &mockObjectStore{})

	reply := request(t, h.conn, newRequest("images/lake.png"))

	assert.Equal(t, "speech", reply.FailedStage)
	assert.NoDirExists(t, runDir)
}

func TestMessageHandler_ImageContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		images *mockObjectStore
		want   string
	}{
		{
			name:   "stored image type wins",
			images: &mockObjectStore{storedType: "image/webp"},
			want:   "image/webp",
		},
		{
			name:   "non-image stored type is sniffed",
			images: &mockObjectStore{storedType: "application/octet-stream"},
			want:   "image/png",
		},
		{
			name:   "missing info is sniffed",
			images: &mockObjectStore{contentTypeErr: errMockInfo},
			want:   "image/png",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			runner := &mockRunner{result: successfulResult(t)}
			h := startWorker(t, runner, testCase.images, &mockObjectStore{})

			reply := request(t, h.conn, newRequest("images/a.png"))
			assert.Empty(t, reply.FailedStage)

			seen := runner.seen()
			require.Len(t, seen, 1)
			assert.Equal(t, testCase.want, seen[0].MIMEType)
		})
	}
}

func TestMessageHandler_InvalidRequests(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	h := startWorker(t, runner, &mockObjectStore{}, &mockObjectStore{})

	noKeys := request(t, h.conn, newRequest())
	assert.Equal(t, "request", noKeys.FailedStage)
	assert.Contains(t, noKeys.Error, worker.ErrNoImageKeys.Error())

	blankKey := request(t, h.conn, newRequest("images/a.png", ""))
	assert.Contains(t, blankKey.Error, worker.ErrEmptyImageKey.Error())

	replyMsg, err := h.conn.Request(testSubject, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var malformed core.StoryNarratedEvent
	require.NoError(t, json.Unmarshal(replyMsg.Data, &malformed))
	assert.Equal(t, "request", malformed.FailedStage)

	assert.Nil(t, runner.seen())
}

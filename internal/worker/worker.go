// Package worker provides a NATS worker that narrates stories from stored images.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/core"
	"github.com/book-expert/story-narrator/internal/pipeline"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultHandleTimeout = 20 * time.Minute
	imageMediaPrefix     = "image/"
)

// Failure stages reported before or after the pipeline runs.
const (
	stageRequest  = "request"
	stageDownload = "download"
	stageUpload   = "upload"
)

var (
	// ErrNoImageKeys indicates a request without images.
	ErrNoImageKeys = errors.New("story request has no image keys")
	// ErrEmptyImageKey indicates a blank entry in the image key list.
	ErrEmptyImageKey = errors.New("image key cannot be empty")
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, images []core.Image) (*pipeline.Result, error)
}

// NatsWorker answers StoryRequestedEvents on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	images         core.ObjectStore
	audio          core.ObjectStore
	runner         Runner
	handleTimeout  time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. Images are read
// from images and the narration is written to audio.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	images core.ObjectStore,
	audio core.ObjectStore,
	runner Runner,
	handleTimeout time.Duration,
	log *logger.Logger,
) (*NatsWorker, error) {
	if handleTimeout <= 0 {
		handleTimeout = defaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		images:         images,
		audio:          audio,
		runner:         runner,
		handleTimeout:  handleTimeout,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for story requests on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.handleTimeout)
	defer cancel()

	event, err := parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		var header events.EventHeader
		if event != nil {
			header = event.Header
		}

		w.reply(msg, failedReply(header, stageRequest, err))

		return
	}

	reply := w.processStoryJob(ctx, event)
	w.reply(msg, reply)
}

// processStoryJob downloads the images, runs the pipeline and uploads the
// narration. Failures are rendered into the reply.
func (w *NatsWorker) processStoryJob(ctx context.Context, event *core.StoryRequestedEvent) *core.StoryNarratedEvent {
	images, err := w.downloadImages(ctx, event.ImageKeys)
	if err != nil {
		w.log.Error("Workflow %s: %v", event.Header.WorkflowID, err)

		return failedReply(event.Header, stageDownload, err)
	}

	result, runErr := w.runner.Run(ctx, images)
	defer w.removeWorkspace(result)

	reply := resultReply(event.Header, event.ImageKeys, result)

	if runErr != nil {
		w.log.Error("Workflow %s: story run failed: %v", event.Header.WorkflowID, runErr)

		var stageFailure *pipeline.StageFailure
		if errors.As(runErr, &stageFailure) {
			reply.FailedStage = string(stageFailure.Stage)
		} else {
			reply.FailedStage = stageRequest
		}

		reply.Error = runErr.Error()

		return reply
	}

	audioKey, uploadErr := w.uploadAudio(ctx, result)
	if uploadErr != nil {
		w.log.Error("Workflow %s: %v", event.Header.WorkflowID, uploadErr)
		reply.FailedStage = stageUpload
		reply.Error = uploadErr.Error()

		return reply
	}

	reply.AudioKey = audioKey
	reply.ContentType = result.Audio.ContentType
	reply.Provenance = result.Audio.Provenance

	w.log.Info("Workflow %s: narration uploaded as %s (%s)", event.Header.WorkflowID, audioKey, result.Audio.Provenance)

	return reply
}

func (w *NatsWorker) downloadImages(ctx context.Context, keys []string) ([]core.Image, error) {
	images := make([]core.Image, 0, len(keys))

	for _, key := range keys {
		data, err := w.images.Download(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to download image for key '%s': %w", key, err)
		}

		images = append(images, core.Image{Name: key, Data: data, MIMEType: w.imageType(ctx, key, data)})
	}

	return images, nil
}

// imageType prefers the image content type recorded in the store and sniffs
// the bytes when it is missing or not an image type.
func (w *NatsWorker) imageType(ctx context.Context, key string, data []byte) string {
	stored, err := w.images.ContentType(ctx, key)
	if err != nil {
		w.log.Warn("Failed to read content type for '%s', sniffing instead: %v", key, err)
	}

	if strings.HasPrefix(stored, imageMediaPrefix) {
		return stored
	}

	return http.DetectContentType(data)
}

// uploadAudio stores the artifact under "<run id>/<file name>".
func (w *NatsWorker) uploadAudio(ctx context.Context, result *pipeline.Result) (string, error) {
	data, err := os.ReadFile(result.Audio.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read audio artifact '%s': %w", result.Audio.Path, err)
	}

	audioKey := path.Join(result.RunID, filepath.Base(result.Audio.Path))

	err = w.audio.Upload(ctx, audioKey, data, result.Audio.ContentType)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return audioKey, nil
}

// removeWorkspace deletes the local run directory whatever the outcome.
// Uploaded audio lives in the object store, so nothing local is kept.
func (w *NatsWorker) removeWorkspace(result *pipeline.Result) {
	if result == nil || result.Workspace == "" {
		return
	}

	removeErr := os.RemoveAll(result.Workspace)
	if removeErr != nil {
		w.log.Warn("Failed to remove run workspace for %s: %v", result.RunID, removeErr)
	}
}

// reply marshals and responds with the StoryNarratedEvent.
func (w *NatsWorker) reply(msg *nats.Msg, replyEvent *core.StoryNarratedEvent) {
	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		w.log.Error("Failed to marshal reply event: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", replyEvent.Header.WorkflowID, err)
	}
}

func parseAndValidateEvent(msg *nats.Msg) (*core.StoryRequestedEvent, error) {
	var event core.StoryRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if len(event.ImageKeys) == 0 {
		return &event, ErrNoImageKeys
	}

	for index, key := range event.ImageKeys {
		if key == "" {
			return &event, fmt.Errorf("%w: position %d", ErrEmptyImageKey, index)
		}
	}

	return &event, nil
}

func replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}

func failedReply(request events.EventHeader, stage string, err error) *core.StoryNarratedEvent {
	return &core.StoryNarratedEvent{
		Header:      replyHeader(request),
		FailedStage: stage,
		Error:       err.Error(),
	}
}

func resultReply(request events.EventHeader, keys []string, result *pipeline.Result) *core.StoryNarratedEvent {
	reply := &core.StoryNarratedEvent{Header: replyHeader(request)}
	if result == nil {
		return reply
	}

	reply.RunID = result.RunID
	reply.Story = string(result.Story)
	reply.CaptionIndexes = result.CaptionIndexes

	for _, caption := range result.Captions {
		reply.Captions = append(reply.Captions, string(caption))
	}

	for _, failure := range result.CaptionFailures {
		reply.FailedImages = append(reply.FailedImages, core.FailedImage{
			Index:  failure.Index,
			Key:    keys[failure.Index],
			Reason: failure.Err.Error(),
		})
	}

	return reply
}

package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// File and directory permissions.
	filePermissions = 0o600
	dirPermissions  = 0o750

	primarySlotName      = "narration"
	fallbackSlotName     = "narration-fallback"
	intermediateSlotName = "narration-intermediate"
	tempFilePattern      = ".narration-*.part"
)

// Static errors.
var (
	ErrWorkspaceDirEmpty = errors.New("workspace directory cannot be empty")
	ErrDataEmpty         = errors.New("audio data cannot be empty")
)

// Workspace is the working area of one pipeline run. It owns two output
// slots, one per provenance, both in the run's target format. Files only
// appear in a slot once completely written.
type Workspace struct {
	dir    string
	format Format
}

// NewWorkspace creates the directory if needed and returns a workspace
// whose slots use the given format.
func NewWorkspace(dir string, format Format) (*Workspace, error) {
	if dir == "" {
		return nil, ErrWorkspaceDirEmpty
	}

	_, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}

	mkdirErr := os.MkdirAll(dir, dirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create workspace directory %s: %w", dir, mkdirErr)
	}

	return &Workspace{dir: dir, format: format}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Format returns the format both slots are stored in.
func (w *Workspace) Format() Format {
	return w.format
}

// PrimaryPath is the slot for audio returned by the primary service.
func (w *Workspace) PrimaryPath() string {
	return filepath.Join(w.dir, primarySlotName+w.format.Extension())
}

// FallbackPath is the slot for audio produced by the fallback engine.
func (w *Workspace) FallbackPath() string {
	return filepath.Join(w.dir, fallbackSlotName+w.format.Extension())
}

// IntermediatePath is where the fallback engine writes its native output
// before transcoding.
func (w *Workspace) IntermediatePath(native Format) string {
	return filepath.Join(w.dir, intermediateSlotName+native.Extension())
}

// ClearSlots removes both slots and any leftover intermediate file so a new
// synthesis starts from an empty working area.
func (w *Workspace) ClearSlots() error {
	paths := []string{w.PrimaryPath(), w.FallbackPath()}

	for _, format := range []Format{FormatWAV, FormatMP3, FormatFLAC, FormatOGG} {
		paths = append(paths, w.IntermediatePath(format))
	}

	var errs []error

	for _, path := range paths {
		removeErr := w.Remove(path)
		if removeErr != nil {
			errs = append(errs, removeErr)
		}
	}

	return errors.Join(errs...)
}

// WriteFile writes data to path through a temporary file in the same
// directory followed by a rename, so readers never observe a partial file.
func (w *Workspace) WriteFile(path string, data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, ErrDataEmpty
	}

	tempFile, err := os.CreateTemp(w.dir, tempFilePattern)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file in %s: %w", w.dir, err)
	}

	tempPath := tempFile.Name()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tempPath)

		return 0, fmt.Errorf("failed to write temp file %s: %w", tempPath, errors.Join(writeErr, closeErr))
	}

	chmodErr := os.Chmod(tempPath, filePermissions)
	if chmodErr != nil {
		_ = os.Remove(tempPath)

		return 0, fmt.Errorf("failed to set permissions on %s: %w", tempPath, chmodErr)
	}

	return w.Promote(tempPath, path)
}

// Promote moves a finished file into place and returns its size.
func (w *Workspace) Promote(source, destination string) (int64, error) {
	renameErr := os.Rename(source, destination)
	if renameErr != nil {
		_ = os.Remove(source)

		return 0, fmt.Errorf("failed to move %s to %s: %w", source, destination, renameErr)
	}

	info, statErr := os.Stat(destination)
	if statErr != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", destination, statErr)
	}

	return info.Size(), nil
}

// Remove deletes path, treating a missing file as success.
func (w *Workspace) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

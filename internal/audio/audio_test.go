// Package audio_test tests audio formats and the run workspace.
package audio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/story-narrator/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		want    audio.Format
		wantErr bool
	}{
		{name: "plain name", input: "flac", want: audio.FormatFLAC},
		{name: "extension with dot", input: ".wav", want: audio.FormatWAV},
		{name: "upper case", input: "MP3", want: audio.FormatMP3},
		{name: "unknown format", input: "aiff", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			format, err := audio.ParseFormat(testCase.input)
			if testCase.wantErr {
				require.ErrorIs(t, err, audio.ErrUnsupportedFormat)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, testCase.want, format)
		})
	}
}

func TestFormatForContentType(t *testing.T) {
	t.Parallel()

	format, err := audio.FormatForContentType("audio/flac")
	require.NoError(t, err)
	assert.Equal(t, audio.FormatFLAC, format)

	format, err = audio.FormatForContentType("audio/x-wav; charset=binary")
	require.NoError(t, err)
	assert.Equal(t, audio.FormatWAV, format)

	_, err = audio.FormatForContentType("application/json")
	require.ErrorIs(t, err, audio.ErrUnsupportedFormat)

	_, err = audio.FormatForContentType("")
	require.ErrorIs(t, err, audio.ErrUnsupportedFormat)
}

func TestFormat_ContentTypeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, format := range []audio.Format{audio.FormatWAV, audio.FormatMP3, audio.FormatFLAC, audio.FormatOGG} {
		resolved, err := audio.FormatForContentType(format.ContentType())
		require.NoError(t, err)
		assert.Equal(t, format, resolved)
	}
}

func TestNewWorkspace_Validation(t *testing.T) {
	t.Parallel()

	_, err := audio.NewWorkspace("", audio.FormatFLAC)
	require.ErrorIs(t, err, audio.ErrWorkspaceDirEmpty)

	_, err = audio.NewWorkspace(t.TempDir(), audio.Format("aiff"))
	require.ErrorIs(t, err, audio.ErrUnsupportedFormat)
}

func TestWorkspace_SlotsAreDistinct(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "run")
	workspace, err := audio.NewWorkspace(dir, audio.FormatFLAC)
	require.NoError(t, err)

	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(dir, "narration.flac"), workspace.PrimaryPath())
	assert.Equal(t, filepath.Join(dir, "narration-fallback.flac"), workspace.FallbackPath())
	assert.Equal(t, filepath.Join(dir, "narration-intermediate.wav"), workspace.IntermediatePath(audio.FormatWAV))
}

func TestWorkspace_WriteFileIsAtomic(t *testing.T) {
	t.Parallel()

	workspace, err := audio.NewWorkspace(t.TempDir(), audio.FormatFLAC)
	require.NoError(t, err)

	size, err := workspace.WriteFile(workspace.PrimaryPath(), []byte("fLaC-data"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("fLaC-data")), size)

	data, err := os.ReadFile(workspace.PrimaryPath())
	require.NoError(t, err)
	assert.Equal(t, []byte("fLaC-data"), data)

	entries, err := os.ReadDir(workspace.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not survive a write")

	_, err = workspace.WriteFile(workspace.FallbackPath(), nil)
	require.ErrorIs(t, err, audio.ErrDataEmpty)
	assert.NoFileExists(t, workspace.FallbackPath())
}

func TestWorkspace_ClearSlots(t *testing.T) {
	t.Parallel()

	workspace, err := audio.NewWorkspace(t.TempDir(), audio.FormatFLAC)
	require.NoError(t, err)

	_, err = workspace.WriteFile(workspace.PrimaryPath(), []byte("primary"))
	require.NoError(t, err)
	_, err = workspace.WriteFile(workspace.IntermediatePath(audio.FormatWAV), []byte("wav"))
	require.NoError(t, err)

	require.NoError(t, workspace.ClearSlots())
	assert.NoFileExists(t, workspace.PrimaryPath())
	assert.NoFileExists(t, workspace.IntermediatePath(audio.FormatWAV))

	require.NoError(t, workspace.ClearSlots(), "clearing an empty workspace succeeds")
}

package validation

import (
	"testing"

	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRules_ValidateFile(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name        string
		contentType string
		size        int64
		wantErr     error
	}{
		{name: "jpeg", contentType: "image/jpeg", size: 1024},
		{name: "params ignored", contentType: "image/PNG; charset=binary", size: 1024},
		{name: "image at limit", contentType: "image/webp", size: 30 * units.MiB},
		{name: "image over limit", contentType: "image/heic", size: 30*units.MiB + 1, wantErr: ErrFileTooLarge},
		{name: "video fits", contentType: "video/mp4", size: 100 * units.MiB},
		{name: "video over limit", contentType: "video/quicktime", size: 513 * units.MiB, wantErr: ErrFileTooLarge},
		{name: "text", contentType: "text/plain", size: 10, wantErr: ErrUnsupportedContentType},
		{name: "empty", contentType: "", size: 10, wantErr: ErrUnsupportedContentType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rules.ValidateFile(tt.contentType, tt.size)

			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, transfer.KindInvalidInput, transfer.KindOf(err))
		})
	}
}

func TestRules_ZeroLimitDisablesCeiling(t *testing.T) {
	rules := Rules{}

	require.NoError(t, rules.ValidateFile("video/webm", 10*units.GB))
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryImage, CategoryOf("image/png"))
	assert.Equal(t, CategoryVideo, CategoryOf("video/webm"))
	assert.Equal(t, CategoryUnknown, CategoryOf("application/pdf"))
}

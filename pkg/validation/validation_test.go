package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "guest_01", false},
		{"dashes", "twitch-main", false},
		{"empty", "", true},
		{"spaces", "guest 1", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id, "guest id")
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestValidateIngestURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"rtmp", "rtmp://live.twitch.tv/app", false},
		{"rtmps with port", "rtmps://a.rtmp.youtube.com:443/live2", false},
		{"empty", "", true},
		{"http", "https://example.com/live", true},
		{"no app", "rtmp://live.example.com", true},
		{"no host", "rtmp:///app", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIngestURL(tt.url)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestValidateStreamKey(t *testing.T) {
	assert.NoError(t, ValidateStreamKey("live_123456_abcDEF"))
	assert.NoError(t, ValidateStreamKey("key?bandwidthtest=true"))
	assert.Error(t, ValidateStreamKey(""))
	assert.Error(t, ValidateStreamKey("has space"))
	assert.Error(t, ValidateStreamKey(strings.Repeat("k", 257)))
}

func TestValidateQuality(t *testing.T) {
	assert.NoError(t, ValidateQuality("HD"))
	assert.NoError(t, ValidateQuality("FHD"))
	assert.Error(t, ValidateQuality("hd"))
	assert.Error(t, ValidateQuality("4K"))
}

func TestValidateDisplayNameAndTitle(t *testing.T) {
	assert.NoError(t, ValidateDisplayName("Ada"))
	assert.Error(t, ValidateDisplayName("   "))
	assert.Error(t, ValidateDisplayName(strings.Repeat("n", 65)))

	assert.NoError(t, ValidateTitle("Friday build stream"))
	assert.Error(t, ValidateTitle(""))
	assert.Error(t, ValidateTitle(strings.Repeat("t", 141)))
}

package telephony

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidE164(t *testing.T) {
	tests := []struct {
		name   string
		number string
		want   bool
	}{
		{"valid with plus", "+14155551234", true},
		{"valid without plus", "14155551234", true},
		{"too short", "+1", false},
		{"leading zero", "+0123456789", false},
		{"contains letters", "+1415555abcd", false},
		{"empty", "", false},
		{"too long", "+123456789012345678", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidE164(tt.number))
		})
	}
}

func TestBuildStreamMarkup(t *testing.T) {
	body, err := BuildStreamMarkup("relay.example.com", "req-123")
	assert.NoError(t, err)
	assert.Contains(t, string(body), `wss://relay.example.com/media-stream?reqId=req-123`)
}

func TestBuildStreamMarkup_Loopback(t *testing.T) {
	body, err := BuildStreamMarkup("localhost:8000", "req-123")
	assert.NoError(t, err)
	assert.Contains(t, string(body), "ws://localhost:8000/media-stream?reqId=req-123")
}

package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashPhone(t *testing.T) {
	h1 := HashPhone("+15550103000")
	h2 := HashPhone("+15550103000")
	h3 := HashPhone("+15550102000")

	assert.Equal(t, h1, h2, "same input should produce same hash")
	assert.NotEqual(t, h1, h3, "different input should produce different hash")
	assert.Len(t, h1, 64, "SHA-256 hex should be 64 chars")
	assert.Empty(t, HashPhone(""))
}

func TestScrubPII(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{"email", "notify adjuster@example.com", "notify [EMAIL]"},
		{"phone", "call me at (330) 333-2654", "call me at[PHONE]"},
		{"phone with plus", "number +15550102000 not reachable", "number [PHONE] not reachable"},
		{"no pii", "medical center unreachable after 5 attempts", "medical center unreachable after 5 attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, ScrubPII(tt.input))
		})
	}
}

package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		same bool
	}{
		{
			name: "word order ignored",
			a:    "caching improves latency under heavy traffic",
			b:    "under heavy traffic, latency improves caching",
			same: true,
		},
		{
			name: "punctuation and case ignored",
			a:    "Caching IMPROVES latency!",
			b:    "caching... improves latency",
			same: true,
		},
		{
			name: "short words ignored",
			a:    "we may adopt caching everywhere",
			b:    "you can adopt caching everywhere",
			same: true,
		},
		{
			name: "different content differs",
			a:    "caching improves latency significantly",
			b:    "sharding improves throughput significantly",
			same: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa, fb := Fingerprint(tt.a), Fingerprint(tt.b)
			if tt.same {
				assert.Equal(t, fa, fb)
			} else {
				assert.NotEqual(t, fa, fb)
			}
		})
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	content := "distributed consensus requires quorum agreement between replicas"
	assert.Equal(t, Fingerprint(content), Fingerprint(content))
}

func TestFingerprint_EmptyAndShort(t *testing.T) {
	assert.Equal(t, "", Fingerprint(""))
	assert.Equal(t, "", Fingerprint("ok go do it"))
}

package kixdns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeFingerprintCaseInsensitiveOnQName(t *testing.T) {
	a := ComputeFingerprint("pipe1", "Example.COM", 1)
	b := ComputeFingerprint("pipe1", "example.com", 1)
	assert.Equal(t, a, b)
}

func TestComputeFingerprintDistinguishesPipeline(t *testing.T) {
	a := ComputeFingerprint("pipe1", "example.com", 1)
	b := ComputeFingerprint("pipe2", "example.com", 1)
	assert.NotEqual(t, a, b)
}

func TestComputeFingerprintDistinguishesQType(t *testing.T) {
	a := ComputeFingerprint("pipe1", "example.com", 1)
	b := ComputeFingerprint("pipe1", "example.com", 28)
	assert.NotEqual(t, a, b)
}

func TestComputeFingerprintDistinguishesQName(t *testing.T) {
	a := ComputeFingerprint("pipe1", "example.com", 1)
	b := ComputeFingerprint("pipe1", "example.org", 1)
	assert.NotEqual(t, a, b)
}

func TestNormalizeQName(t *testing.T) {
	assert.Equal(t, "example.com", normalizeQName("Example.COM."))
	assert.Equal(t, "example.com", normalizeQName("example.com"))
}

//go:build !windows

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPortReuseSupportedFalseForUnix(t *testing.T) {
	assert.False(t, portReuseSupported("unix"))
}

func TestPortReuseSupportedTCP(t *testing.T) {
	// SO_REUSEPORT is available on every CI kernel this module targets
	// (Linux, Darwin, *BSD); this just documents that the probe succeeds
	// without actually asserting a platform-specific true/false.
	_ = portReuseSupported("tcp")
}

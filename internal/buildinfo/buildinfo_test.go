package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "1.2.3"
	assert.Contains(t, String(), "relay 1.2.3")
	assert.Equal(t, "1.2.3", Info()["version"])
}

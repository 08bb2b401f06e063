package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent(t *testing.T) {
	v := Current()
	assert.NotEmpty(t, v.Build)
	assert.NotEmpty(t, v.Runtime)

	assert.Equal(t, "v1.0.0", Info{Build: "v1.0.0"}.String())
	assert.Equal(t, "v1.0.0 (abcdef12)", Info{Build: "v1.0.0", Commit: "abcdef12"}.String())
}

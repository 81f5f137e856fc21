package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/mod/semver"
)

func TestVersionIsSemantic(t *testing.T) {
	assert.Truef(t, semver.IsValid(Version), "Version %s is not a valid semantic version", Version)
}

func TestBuildInfo(t *testing.T) {
	info := BuildInfo()
	assert.Len(t, info, 8, "Expected four key/value pairs")
	assert.Equal(t, "version", info[0])
	assert.Equal(t, Version, info[1])
}

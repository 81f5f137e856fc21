package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// The config package doesn't import the packages owning these flags, so the test binary defines them.
var (
	testGeneration = flag.String("cache_generation", "alliopro-cache-v1", "Test flag.")
	testTimeout    = flag.Duration("fetch_timeout", 10*time.Second, "Test flag.")
	testCapacity   = flag.Int("lookup_cache_capacity", 100, "Test flag.")
	testLogSource  = flag.Bool("log_source", false, "Test flag.")
)

// writeConfig writes the given txtpb `content` to a temporary file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alliopro.txtpb")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	// Restore the flag values once done.
	SetTestFlag(t, "cache_generation", *testGeneration)
	SetTestFlag(t, "fetch_timeout", testTimeout.String())
	SetTestFlag(t, "lookup_cache_capacity", "100")
	SetTestFlag(t, "log_source", "false")

	path := writeConfig(t, `
cache_generation: "alliopro-cache-v2"
fetch_timeout { seconds: 3 nanos: 500000000 }
lookup_cache_capacity: 42
log_source: true
storage_dir: "/not/a/flag/in/this/binary"
`)
	require.NoError(t, loadConfigFile(path))
	assert.Equal(t, "alliopro-cache-v2", *testGeneration)
	assert.Equal(t, 3500*time.Millisecond, *testTimeout)
	assert.Equal(t, 42, *testCapacity)
	assert.True(t, *testLogSource)
}

func TestLoadConfigFile_Errors(t *testing.T) {
	t.Run("missing_file", func(t *testing.T) {
		err := loadConfigFile(filepath.Join(t.TempDir(), "missing.txtpb"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("unknown_field", func(t *testing.T) {
		assert.Error(t, loadConfigFile(writeConfig(t, `no_such_flag: "x"`)))
	})
	t.Run("wrong_type", func(t *testing.T) {
		assert.Error(t, loadConfigFile(writeConfig(t, `lookup_cache_capacity: "many"`)))
	})
}

func TestBuildConfigDescriptor(t *testing.T) {
	descriptor, err := buildConfigDescriptor([]configField{
		{name: "a_string", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		{name: "a_duration", kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE},
	})
	require.NoError(t, err)
	assert.Equal(t, protoreflect.FullName("alliopro.Config"), descriptor.FullName())
	require.NotNil(t, descriptor.Fields().ByName("a_string"))
	assert.Equal(t, protoreflect.StringKind, descriptor.Fields().ByName("a_string").Kind())
	assert.Equal(t, protoreflect.FullName(durationTypeName),
		descriptor.Fields().ByName("a_duration").Message().FullName())

	_, err = buildConfigDescriptor([]configField{
		{name: "twice", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
		{name: "twice", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	})
	assert.Error(t, err, "Duplicate field names must be rejected")
}

func TestCollectUnregisteredFlags(t *testing.T) {

	if flag.Lookup("flag_without_config_field") == nil {
		flag.String("flag_without_config_field", "", "Test flag.")
	}
	errs := CollectUnregisteredFlags()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "flag_without_config_field")
}

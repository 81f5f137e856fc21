// The config schema is a protobuf message built at start-up from configFields. Each field carries the name
// of the flag it sets, so a config file looks like:
//
//	cache_generation: "alliopro-cache-v2"
//	fetch_timeout { seconds: 5 }
//	lookup_cache_capacity: 100

package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/durationpb"
)

const durationTypeName = "google.protobuf.Duration"

// skippedProtobufFlags is the list of command line flags on which the protobuf check is disabled.
var skippedProtobufFlags = []string{"print_version", "config_file"}

type configField struct {
	name string // Both the protobuf field name and the flag name.
	kind descriptorpb.FieldDescriptorProto_Type
}

// configFields lists every flag of both binaries. Field numbers follow the slice order, so only append.
var configFields = []configField{
	// Logging.
	{name: "log_handler_type", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "log_level", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "log_source", kind: descriptorpb.FieldDescriptorProto_TYPE_BOOL},
	// Server tier lookup cache.
	{name: "lookup_cache_enabled", kind: descriptorpb.FieldDescriptorProto_TYPE_BOOL},
	{name: "lookup_cache_capacity", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
	{name: "lookup_cache_ttl", kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE},
	{name: "lookup_cache_shard_count", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
	// Origin server.
	{name: "http_address", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "static_dir", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "api_prefix", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "lookup_backend_url", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "lookup_timeout", kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE},
	// Interceptor.
	{name: "cache_generation", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "asset_manifest_file", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "origin_url", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "fetch_timeout", kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE},
	{name: "max_cache_body_bytes", kind: descriptorpb.FieldDescriptorProto_TYPE_INT64},
	{name: "request_key_headers", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	// Persistent storage.
	{name: "storage_backend", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "storage_dir", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "storage_bloom_capacity", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
	// Agent.
	{name: "listen_address", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "metrics_address", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "control_address", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{name: "install_retry_interval", kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE},
	{name: "skip_waiting", kind: descriptorpb.FieldDescriptorProto_TYPE_BOOL},
}

var (
	descriptorOnce  sync.Once
	descriptorValue protoreflect.MessageDescriptor
	descriptorErr   error
)

// configDescriptor returns the descriptor of the Config message; it is built once.
func configDescriptor() (protoreflect.MessageDescriptor, error) {
	descriptorOnce.Do(func() { descriptorValue, descriptorErr = buildConfigDescriptor(configFields) })
	return descriptorValue, descriptorErr
}

// buildConfigDescriptor builds a proto2 Config message with one optional field per entry of `fields`.
func buildConfigDescriptor(fields []configField) (protoreflect.MessageDescriptor, error) {
	fieldProtos := make([]*descriptorpb.FieldDescriptorProto, 0, len(fields))
	for fieldIdx, field := range fields {
		fieldProto := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(field.name),
			Number: proto.Int32(int32(fieldIdx + 1)),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   field.kind.Enum(),
		}
		if field.kind == descriptorpb.FieldDescriptorProto_TYPE_MESSAGE {
			fieldProto.TypeName = proto.String("." + durationTypeName) // Durations are the only message leaves.
		}
		fieldProtos = append(fieldProtos, fieldProto)
	}
	file, err := protodesc.NewFile(&descriptorpb.FileDescriptorProto{
		Name:        proto.String("alliopro/config.proto"),
		Package:     proto.String("alliopro"),
		Syntax:      proto.String("proto2"),
		Dependency:  []string{"google/protobuf/duration.proto"},
		MessageType: []*descriptorpb.DescriptorProto{{Name: proto.String("Config"), Field: fieldProtos}},
	}, protoregistry.GlobalFiles)
	if err != nil {
		return nil, fmt.Errorf("invalid config schema: %w", err)
	}
	return file.Messages().ByName("Config"), nil
}

// durationToString converts a google.protobuf.Duration message, generated or dynamic, to a flag value.
func durationToString(m protoreflect.Message) string {
	fields := m.Descriptor().Fields()
	duration := &durationpb.Duration{
		Seconds: m.Get(fields.ByName("seconds")).Int(),
		Nanos:   int32(m.Get(fields.ByName("nanos")).Int()),
	}
	return duration.AsDuration().String()
}

// protobufValueToString converts a protobuf field value to its string representation suitable for flag setting.
func protobufValueToString(fd protoreflect.FieldDescriptor, v protoreflect.Value) (string, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return strconv.FormatBool(v.Bool()), nil
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return strconv.FormatInt(v.Int(), 10), nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return strconv.FormatUint(v.Uint(), 10), nil
	case protoreflect.FloatKind:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32), nil
	case protoreflect.DoubleKind:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case protoreflect.StringKind:
		return v.String(), nil
	case protoreflect.BytesKind:
		return base64.StdEncoding.EncodeToString(v.Bytes()), nil
	case protoreflect.MessageKind:
		if fullName := string(fd.Message().FullName()); fullName != durationTypeName {
			return "", fmt.Errorf("unsupported message leaf: %s", fullName)
		}
		return durationToString(v.Message()), nil
	default:
		return "", fmt.Errorf("unsupported kind: %v", fd.Kind())
	}
}

// collectFlags collects all the set fields of the given config message as flag name → flag value.
func collectFlags(m protoreflect.Message) (map[ /*flagName*/ string] /*flagValue*/ string, error) {
	flags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	var err error
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		// The schema has no repeated or map fields.
		if fd.IsList() || fd.IsMap() {
			err = fmt.Errorf("repeated/map not supported: %s", fd.FullName())
			return false
		}
		stringValue, convErr := protobufValueToString(fd, v)
		if convErr != nil {
			err = fmt.Errorf("failed to convert %s: %w", fd.FullName(), convErr)
			return false
		}
		flags[string(fd.Name())] = stringValue
		return true
	})
	return flags, err
}

// setConfigFlags sets all the filled fields in the given `conf` to the global flag variables.
// Fields of flags that the running binary doesn't define are skipped; both binaries share one schema.
func setConfigFlags(conf protoreflect.ProtoMessage) error {
	collectedFlags, err := collectFlags(conf.ProtoReflect())
	if err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	for flagName, flagValue := range collectedFlags {
		if flag.Lookup(flagName) == nil {
			continue
		}
		if setErr := flag.Set(flagName, flagValue); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// CollectUnregisteredFlags collects all flags that haven't been registered in the protobuf config.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	descriptor, err := configDescriptor()
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedProtobufFlags, f.Name) {
			return
		}
		if descriptor.Fields().ByName(protoreflect.Name(f.Name)) == nil {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in protobuf config", f.Name))
		}
	})
	return errs
}

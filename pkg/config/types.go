package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/treeverse/clusterkv/pkg/cluster"
)

// Strings is a []string that mapstructure can deserialize from a single string or from a list
// of strings.
type Strings []string

var (
	ourStringsType  = reflect.TypeOf(Strings{})
	replicaType     = reflect.TypeOf(cluster.ReplicaMaster)
	stringType      = reflect.TypeOf("")
	stringSliceType = reflect.TypeOf([]string{})
)

// DecodeStrings is a mapstructure.HookFuncType that decodes a single string value or a slice
// of strings into Strings.
func DecodeStrings(fromValue reflect.Value, toValue reflect.Value) (interface{}, error) {
	if toValue.Type() != ourStringsType {
		return fromValue.Interface(), nil
	}
	if fromValue.Type() == stringSliceType {
		return Strings(fromValue.Interface().([]string)), nil
	}
	if fromValue.Type() == stringType {
		return Strings(strings.Split(fromValue.String(), ",")), nil
	}
	return fromValue.Interface(), nil
}

// DecodeReplica is a mapstructure.HookFuncType that decodes a replica policy
// name such as "sequence" or "prefer_rack".
func DecodeReplica(fromValue reflect.Value, toValue reflect.Value) (interface{}, error) {
	if toValue.Type() != replicaType || fromValue.Type() != stringType {
		return fromValue.Interface(), nil
	}
	r, err := cluster.ParseReplica(fromValue.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfiguration, err)
	}
	return r, nil
}

type Logging struct {
	Format        string  `mapstructure:"format"`
	Level         string  `mapstructure:"level"`
	Output        Strings `mapstructure:"output"`
	FileMaxSizeMB int     `mapstructure:"file_max_size_mb"`
	FilesKeep     int     `mapstructure:"files_keep"`
}

type Cluster struct {
	Partitions int `mapstructure:"partitions"`
	RackID     int `mapstructure:"rack_id"`
	// TendInterval is reported only. Tending runs outside the client.
	TendInterval time.Duration `mapstructure:"tend_interval"`
}

type Executor struct {
	Workers              int `mapstructure:"workers"`
	EventLoops           int `mapstructure:"event_loops"`
	MaxCommandsInProcess int `mapstructure:"max_commands_in_process"`
	MaxCommandsInQueue   int `mapstructure:"max_commands_in_queue"`
}

type BatchPolicy struct {
	Concurrent           bool            `mapstructure:"concurrent"`
	Replica              cluster.Replica `mapstructure:"replica"`
	ReadModeAP           string          `mapstructure:"read_mode_ap"`
	ReadModeSC           string          `mapstructure:"read_mode_sc"`
	TotalTimeout         time.Duration   `mapstructure:"total_timeout"`
	SocketTimeout        time.Duration   `mapstructure:"socket_timeout"`
	MaxRetries           int             `mapstructure:"max_retries"`
	SleepBetweenRetries  time.Duration   `mapstructure:"sleep_between_retries"`
	RespondAllKeys       bool            `mapstructure:"respond_all_keys"`
	AllowInline          bool            `mapstructure:"allow_inline"`
	AllowInlineSSD       bool            `mapstructure:"allow_inline_ssd"`
	SendKey              bool            `mapstructure:"send_key"`
	Compress             bool            `mapstructure:"compress"`
	CompressionThreshold int             `mapstructure:"compression_threshold"`
}

type WritePolicy struct {
	TTL              uint32 `mapstructure:"ttl"`
	GenerationPolicy string `mapstructure:"generation_policy"`
	CommitLevel      string `mapstructure:"commit_level"`
	DurableDelete    bool   `mapstructure:"durable_delete"`
	SendKey          bool   `mapstructure:"send_key"`
}

// Config is the decoded configuration. Read values through it rather than
// through viper accessors, so every key is validated.
type Config struct {
	Logging  Logging  `mapstructure:"logging"`
	Cluster  Cluster  `mapstructure:"cluster"`
	Executor Executor `mapstructure:"executor"`
	Policies struct {
		Batch      BatchPolicy `mapstructure:"batch"`
		BatchWrite WritePolicy `mapstructure:"batch_write"`
	} `mapstructure:"policies"`
}

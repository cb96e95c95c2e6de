package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/batch"
	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/config"
	"github.com/treeverse/clusterkv/pkg/key"
)

const validConfig = `
logging:
  level: debug
  output: "="
cluster:
  partitions: 256
  rack_id: 3
executor:
  workers: 8
  event_loops: 2
  max_commands_in_process: 40
policies:
  batch:
    concurrent: true
    replica: prefer_rack
    read_mode_ap: all
    total_timeout: 5s
    socket_timeout: 500ms
    max_retries: 4
    sleep_between_retries: 10ms
    compress: true
  batch_write:
    ttl: 3600
    generation_policy: eq
    commit_level: master
    send_key: true
`

func newConfigFromFile(t *testing.T, content string) (*config.Config, error) {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(content), 0o600))
	viper.SetConfigFile(fn)
	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func TestConfig_Defaults(t *testing.T) {
	viper.Reset()
	c, err := config.NewConfig()
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	require.Equal(t, key.DefaultPartitions, c.Cluster.Partitions)
	require.Equal(t, cluster.ReplicaSequence, c.Policies.Batch.Replica)

	policies, err := c.BatchPolicies()
	require.NoError(t, err)
	if diffs := deep.Equal(policies.Batch, batch.NewBatchPolicy()); diffs != nil {
		t.Errorf("default batch policy differs: %s", diffs)
	}
	if diffs := deep.Equal(policies.Write, &batch.WritePolicy{}); diffs != nil {
		t.Errorf("default write policy differs: %s", diffs)
	}
}

func TestConfig_NewFromFile(t *testing.T) {
	viper.Reset()
	c, err := newConfigFromFile(t, validConfig)
	require.NoError(t, err)

	if diffs := deep.Equal([]string(c.Logging.Output), []string{"="}); diffs != nil {
		t.Errorf("logging output: %s", diffs)
	}
	require.Equal(t, cluster.Config{Partitions: 256, RackID: 3}, c.ClusterConfig())

	policies, err := c.BatchPolicies()
	require.NoError(t, err)
	expected := batch.BatchPolicy{
		TotalTimeout:         5 * time.Second,
		SocketTimeout:        500 * time.Millisecond,
		MaxRetries:           4,
		SleepBetweenRetries:  10 * time.Millisecond,
		Replica:              cluster.ReplicaPreferRack,
		ReadModeAP:           batch.ReadModeAPAll,
		Concurrent:           true,
		AllowInline:          true,
		RespondAllKeys:       true,
		Compress:             true,
		CompressionThreshold: batch.DefaultCompressionThreshold,
	}
	if diffs := deep.Equal(*policies.Batch, expected); diffs != nil {
		t.Errorf("batch policy: %s", diffs)
	}
	expectedWrite := batch.WritePolicy{
		Key:              batch.KeySend,
		CommitLevel:      batch.CommitMaster,
		GenerationPolicy: batch.GenerationEQ,
		TTL:              3600,
	}
	if diffs := deep.Equal(*policies.Write, expectedWrite); diffs != nil {
		t.Errorf("write policy: %s", diffs)
	}

	cc, err := c.ClientConfig(nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 8, cc.Workers)
	require.Equal(t, 2, cc.EventLoops)
	require.Equal(t, 40, cc.MaxCommandsInProcess)
}

func TestConfig_Env(t *testing.T) {
	viper.Reset()
	t.Setenv("CLUSTERKV_POLICIES_BATCH_MAX_RETRIES", "7")
	t.Setenv("CLUSTERKV_POLICIES_BATCH_TOTAL_TIMEOUT", "250ms")
	t.Setenv("CLUSTERKV_POLICIES_BATCH_REPLICA", "any")
	t.Setenv("CLUSTERKV_LOGGING_OUTPUT", "-,=")
	c, err := config.NewConfig()
	require.NoError(t, err)
	require.Equal(t, 7, c.Policies.Batch.MaxRetries)
	require.Equal(t, 250*time.Millisecond, c.Policies.Batch.TotalTimeout)
	require.Equal(t, cluster.ReplicaAny, c.Policies.Batch.Replica)
	if diffs := deep.Equal([]string(c.Logging.Output), []string{"-", "="}); diffs != nil {
		t.Errorf("logging output: %s", diffs)
	}
}

func TestConfig_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		err     error
	}{
		{name: "partitions", content: "cluster:\n  partitions: 100\n", err: config.ErrBadPartitions},
		{name: "retries", content: "policies:\n  batch:\n    max_retries: -1\n", err: config.ErrNegativeValue},
		{name: "workers", content: "executor:\n  workers: -2\n", err: config.ErrNegativeValue},
		{name: "read_mode", content: "policies:\n  batch:\n    read_mode_sc: eventual\n", err: config.ErrUnknownValue},
		{name: "generation", content: "policies:\n  batch_write:\n    generation_policy: lt\n", err: config.ErrUnknownValue},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			_, err := newConfigFromFile(t, tt.content)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			require.ErrorIs(t, err, config.ErrBadConfiguration)
		})
	}
}

func TestConfig_UnknownReplica(t *testing.T) {
	viper.Reset()
	_, err := newConfigFromFile(t, "policies:\n  batch:\n    replica: nearest\n")
	require.ErrorContains(t, err, "nearest")
}

func TestConfig_UnknownKey(t *testing.T) {
	viper.Reset()
	_, err := newConfigFromFile(t, "executor:\n  threads: 3\n")
	require.Error(t, err)
}

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/treeverse/clusterkv/pkg/batch"
	"github.com/treeverse/clusterkv/pkg/client"
	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/logging"
)

// EnvPrefix prefixes environment variables overriding configuration keys,
// e.g. CLUSTERKV_POLICIES_BATCH_MAX_RETRIES.
const EnvPrefix = "CLUSTERKV"

var (
	ErrBadConfiguration = errors.New("bad configuration")
	ErrBadPartitions    = fmt.Errorf("%w: cluster.partitions must be a positive power of two", ErrBadConfiguration)
	ErrNegativeValue    = fmt.Errorf("%w: negative value", ErrBadConfiguration)
	ErrUnknownValue     = fmt.Errorf("%w: unknown value", ErrBadConfiguration)
)

// NewConfig decodes the configuration from viper: defaults, then any config
// file already read, then the environment. It also sets up logging.
func NewConfig() (*Config, error) {
	c := &Config{}

	// Inform viper of all expected fields.  Otherwise, it fails to deserialize from the
	// environment.
	keys := ConfigKeys(reflect.TypeOf(c))
	for _, key := range keys {
		viper.SetDefault(key, nil)
	}
	setDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := viper.UnmarshalExact(c, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			DecodeStrings, DecodeReplica, mapstructure.StringToTimeDurationHookFunc())))
	if err != nil {
		return nil, err
	}
	if err := setupLogger(c.Logging); err != nil {
		return nil, err
	}
	return c, nil
}

func nonNegative(values map[string]int) error {
	for k, v := range values {
		if v < 0 {
			return fmt.Errorf("%w: %s=%d", ErrNegativeValue, k, v)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	p := c.Cluster.Partitions
	if p <= 0 || p&(p-1) != 0 {
		return fmt.Errorf("%w: %d", ErrBadPartitions, p)
	}
	err := nonNegative(map[string]int{
		ExecutorWorkersKey:              c.Executor.Workers,
		ExecutorEventLoopsKey:           c.Executor.EventLoops,
		ExecutorMaxCommandsInProcessKey: c.Executor.MaxCommandsInProcess,
		ExecutorMaxCommandsInQueueKey:   c.Executor.MaxCommandsInQueue,
		BatchMaxRetriesKey:              c.Policies.Batch.MaxRetries,
		BatchCompressionThresholdKey:    c.Policies.Batch.CompressionThreshold,
		BatchTotalTimeoutKey:            int(c.Policies.Batch.TotalTimeout),
		BatchSocketTimeoutKey:           int(c.Policies.Batch.SocketTimeout),
		BatchSleepBetweenRetriesKey:     int(c.Policies.Batch.SleepBetweenRetries),
	})
	if err != nil {
		return err
	}
	_, err = c.BatchPolicies()
	return err
}

func parseReadModeAP(s string) (batch.ReadModeAP, error) {
	switch strings.ToLower(s) {
	case "one", "":
		return batch.ReadModeAPOne, nil
	case "all":
		return batch.ReadModeAPAll, nil
	}
	return 0, fmt.Errorf("%w: %s=%q", ErrUnknownValue, BatchReadModeAPKey, s)
}

func parseReadModeSC(s string) (batch.ReadModeSC, error) {
	switch strings.ToLower(s) {
	case "session", "":
		return batch.ReadModeSCSession, nil
	case "linearize":
		return batch.ReadModeSCLinearize, nil
	case "allow_replica":
		return batch.ReadModeSCAllowReplica, nil
	case "allow_unavailable":
		return batch.ReadModeSCAllowUnavailable, nil
	}
	return 0, fmt.Errorf("%w: %s=%q", ErrUnknownValue, BatchReadModeSCKey, s)
}

func parseGenerationPolicy(s string) (batch.GenerationPolicy, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return batch.GenerationNone, nil
	case "eq", "expect_gen_equal":
		return batch.GenerationEQ, nil
	case "gt", "expect_gen_gt":
		return batch.GenerationGT, nil
	}
	return 0, fmt.Errorf("%w: %s=%q", ErrUnknownValue, BatchWriteGenerationPolicyKey, s)
}

func parseCommitLevel(s string) (batch.CommitLevel, error) {
	switch strings.ToLower(s) {
	case "all", "":
		return batch.CommitAll, nil
	case "master":
		return batch.CommitMaster, nil
	}
	return 0, fmt.Errorf("%w: %s=%q", ErrUnknownValue, BatchWriteCommitLevelKey, s)
}

func keyPolicy(send bool) batch.KeyPolicy {
	if send {
		return batch.KeySend
	}
	return batch.KeyDigest
}

// BatchPolicies returns the default policies described by the configuration.
func (c *Config) BatchPolicies() (batch.Policies, error) {
	bp := c.Policies.Batch
	ap, err := parseReadModeAP(bp.ReadModeAP)
	if err != nil {
		return batch.Policies{}, err
	}
	sc, err := parseReadModeSC(bp.ReadModeSC)
	if err != nil {
		return batch.Policies{}, err
	}
	wp := c.Policies.BatchWrite
	gen, err := parseGenerationPolicy(wp.GenerationPolicy)
	if err != nil {
		return batch.Policies{}, err
	}
	commit, err := parseCommitLevel(wp.CommitLevel)
	if err != nil {
		return batch.Policies{}, err
	}

	policies := batch.DefaultPolicies()
	*policies.Batch = batch.BatchPolicy{
		TotalTimeout:         bp.TotalTimeout,
		SocketTimeout:        bp.SocketTimeout,
		MaxRetries:           bp.MaxRetries,
		SleepBetweenRetries:  bp.SleepBetweenRetries,
		Replica:              bp.Replica,
		ReadModeAP:           ap,
		ReadModeSC:           sc,
		Concurrent:           bp.Concurrent,
		AllowInline:          bp.AllowInline,
		AllowInlineSSD:       bp.AllowInlineSSD,
		RespondAllKeys:       bp.RespondAllKeys,
		SendKey:              bp.SendKey,
		Compress:             bp.Compress,
		CompressionThreshold: bp.CompressionThreshold,
	}
	*policies.Write = batch.WritePolicy{
		Key:              keyPolicy(wp.SendKey),
		CommitLevel:      commit,
		GenerationPolicy: gen,
		TTL:              wp.TTL,
		DurableDelete:    wp.DurableDelete,
	}
	*policies.Apply = batch.ApplyPolicy{
		Key:           keyPolicy(wp.SendKey),
		CommitLevel:   commit,
		TTL:           wp.TTL,
		DurableDelete: wp.DurableDelete,
	}
	*policies.Remove = batch.RemovePolicy{
		Key:           keyPolicy(wp.SendKey),
		CommitLevel:   commit,
		DurableDelete: wp.DurableDelete,
	}
	return policies, nil
}

func (c *Config) ClusterConfig() cluster.Config {
	return cluster.Config{
		Partitions: c.Cluster.Partitions,
		RackID:     c.Cluster.RackID,
	}
}

// ClientConfig returns the client configuration for a cluster reached
// through conns. reg may be nil to disable metrics.
func (c *Config) ClientConfig(cl *cluster.Cluster, conns cluster.Connector, reg prometheus.Registerer) (client.Config, error) {
	policies, err := c.BatchPolicies()
	if err != nil {
		return client.Config{}, err
	}
	return client.Config{
		Cluster:              cl,
		Connector:            conns,
		Workers:              c.Executor.Workers,
		EventLoops:           c.Executor.EventLoops,
		MaxCommandsInProcess: c.Executor.MaxCommandsInProcess,
		MaxCommandsInQueue:   c.Executor.MaxCommandsInQueue,
		Policies:             policies,
		Registerer:           reg,
		Logger:               logging.Default(),
	}, nil
}

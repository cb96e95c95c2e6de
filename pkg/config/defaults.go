package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/treeverse/clusterkv/pkg/batch"
	"github.com/treeverse/clusterkv/pkg/key"
)

const (
	DefaultLoggingFormat        = "text"
	DefaultLoggingLevel         = "INFO"
	DefaultLoggingOutput        = "-"
	DefaultLoggingFileMaxSizeMB = 100
	DefaultLoggingFilesKeep     = 10

	DefaultClusterTendInterval = time.Second

	DefaultExecutorEventLoops = 1

	DefaultBatchReplica    = "sequence"
	DefaultBatchReadModeAP = "one"
	DefaultBatchReadModeSC = "session"

	DefaultWriteGenerationPolicy = "none"
	DefaultWriteCommitLevel      = "all"
)

const (
	LoggingFormatKey        = "logging.format"
	LoggingLevelKey         = "logging.level"
	LoggingOutputKey        = "logging.output"
	LoggingFileMaxSizeMBKey = "logging.file_max_size_mb"
	LoggingFilesKeepKey     = "logging.files_keep"

	ClusterPartitionsKey   = "cluster.partitions"
	ClusterRackIDKey       = "cluster.rack_id"
	ClusterTendIntervalKey = "cluster.tend_interval"

	ExecutorWorkersKey              = "executor.workers"
	ExecutorEventLoopsKey           = "executor.event_loops"
	ExecutorMaxCommandsInProcessKey = "executor.max_commands_in_process"
	ExecutorMaxCommandsInQueueKey   = "executor.max_commands_in_queue"

	BatchConcurrentKey           = "policies.batch.concurrent"
	BatchReplicaKey              = "policies.batch.replica"
	BatchReadModeAPKey           = "policies.batch.read_mode_ap"
	BatchReadModeSCKey           = "policies.batch.read_mode_sc"
	BatchTotalTimeoutKey         = "policies.batch.total_timeout"
	BatchSocketTimeoutKey        = "policies.batch.socket_timeout"
	BatchMaxRetriesKey           = "policies.batch.max_retries"
	BatchSleepBetweenRetriesKey  = "policies.batch.sleep_between_retries"
	BatchRespondAllKeysKey       = "policies.batch.respond_all_keys"
	BatchAllowInlineKey          = "policies.batch.allow_inline"
	BatchAllowInlineSSDKey       = "policies.batch.allow_inline_ssd"
	BatchSendKeyKey              = "policies.batch.send_key"
	BatchCompressKey             = "policies.batch.compress"
	BatchCompressionThresholdKey = "policies.batch.compression_threshold"

	BatchWriteTTLKey              = "policies.batch_write.ttl"
	BatchWriteGenerationPolicyKey = "policies.batch_write.generation_policy"
	BatchWriteCommitLevelKey      = "policies.batch_write.commit_level"
	BatchWriteDurableDeleteKey    = "policies.batch_write.durable_delete"
	BatchWriteSendKeyKey          = "policies.batch_write.send_key"
)

func setDefaults() {
	viper.SetDefault(LoggingFormatKey, DefaultLoggingFormat)
	viper.SetDefault(LoggingLevelKey, DefaultLoggingLevel)
	viper.SetDefault(LoggingOutputKey, DefaultLoggingOutput)
	viper.SetDefault(LoggingFileMaxSizeMBKey, DefaultLoggingFileMaxSizeMB)
	viper.SetDefault(LoggingFilesKeepKey, DefaultLoggingFilesKeep)

	viper.SetDefault(ClusterPartitionsKey, key.DefaultPartitions)
	viper.SetDefault(ClusterRackIDKey, 0)
	viper.SetDefault(ClusterTendIntervalKey, DefaultClusterTendInterval)

	viper.SetDefault(ExecutorWorkersKey, 0)
	viper.SetDefault(ExecutorEventLoopsKey, DefaultExecutorEventLoops)
	viper.SetDefault(ExecutorMaxCommandsInProcessKey, 0)
	viper.SetDefault(ExecutorMaxCommandsInQueueKey, 0)

	viper.SetDefault(BatchConcurrentKey, false)
	viper.SetDefault(BatchReplicaKey, DefaultBatchReplica)
	viper.SetDefault(BatchReadModeAPKey, DefaultBatchReadModeAP)
	viper.SetDefault(BatchReadModeSCKey, DefaultBatchReadModeSC)
	viper.SetDefault(BatchTotalTimeoutKey, batch.DefaultTotalTimeout)
	viper.SetDefault(BatchSocketTimeoutKey, batch.DefaultSocketTimeout)
	viper.SetDefault(BatchMaxRetriesKey, batch.DefaultMaxRetries)
	viper.SetDefault(BatchSleepBetweenRetriesKey, time.Duration(0))
	viper.SetDefault(BatchRespondAllKeysKey, true)
	viper.SetDefault(BatchAllowInlineKey, true)
	viper.SetDefault(BatchAllowInlineSSDKey, false)
	viper.SetDefault(BatchSendKeyKey, false)
	viper.SetDefault(BatchCompressKey, false)
	viper.SetDefault(BatchCompressionThresholdKey, batch.DefaultCompressionThreshold)

	viper.SetDefault(BatchWriteTTLKey, 0)
	viper.SetDefault(BatchWriteGenerationPolicyKey, DefaultWriteGenerationPolicy)
	viper.SetDefault(BatchWriteCommitLevelKey, DefaultWriteCommitLevel)
	viper.SetDefault(BatchWriteDurableDeleteKey, false)
	viper.SetDefault(BatchWriteSendKeyKey, false)
}

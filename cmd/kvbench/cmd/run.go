package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jamiealquiza/tachymeter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/ratelimit"

	"github.com/treeverse/clusterkv/pkg/batch"
	"github.com/treeverse/clusterkv/pkg/client"
	"github.com/treeverse/clusterkv/pkg/cluster/clustertest"
	"github.com/treeverse/clusterkv/pkg/config"
	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/logging"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/wire"
)

const (
	benchSet     = "bench"
	payloadBin   = "payload"
	counterBin   = "count"
	metricPrefix = "clusterkv_batch_"
)

type runParams struct {
	namespace   string
	nodes       int
	keys        int
	requests    int
	concurrency int
	batchSize   int
	rate        int
	writeRatio  float64
	sampleRatio float64
	async       bool
	faultNode   int
	faultTimes  int
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load keys into a fake cluster and run batch reads and writes against it",
	Run: func(cmd *cobra.Command, args []string) {
		p := runParams{}
		p.namespace, _ = cmd.Flags().GetString("namespace")
		p.nodes, _ = cmd.Flags().GetInt("nodes")
		p.keys, _ = cmd.Flags().GetInt("keys")
		p.requests, _ = cmd.Flags().GetInt("requests")
		p.concurrency, _ = cmd.Flags().GetInt("concurrency")
		p.batchSize, _ = cmd.Flags().GetInt("batch-size")
		p.rate, _ = cmd.Flags().GetInt("rate")
		p.writeRatio, _ = cmd.Flags().GetFloat64("write-ratio")
		p.sampleRatio, _ = cmd.Flags().GetFloat64("sample")
		p.async, _ = cmd.Flags().GetBool("async")
		p.faultNode, _ = cmd.Flags().GetInt("fault-node")
		p.faultTimes, _ = cmd.Flags().GetInt("fault-times")

		if p.concurrency < 1 {
			fmt.Printf("Concurrency must be above 1! (%d)\n", p.concurrency)
			os.Exit(1)
		}
		if p.requests < 0 || p.keys < 1 || p.batchSize < 1 || p.nodes < 1 {
			fmt.Println("Requests, keys, batch size and nodes must be positive")
			os.Exit(1)
		}

		cfg, err := config.NewConfig()
		if err != nil {
			fmt.Println("Failed to load config:", err)
			os.Exit(1)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Println("Invalid config:", err)
			os.Exit(1)
		}
		if p.async && cfg.Executor.EventLoops < 1 {
			cfg.Executor.EventLoops = 1
		}
		if err := run(cmd.Context(), cfg, p); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func run(ctx context.Context, cfg *config.Config, p runParams) error {
	runID := xid.New().String()
	logger := logging.Default().WithField("run_id", runID)
	env, err := clustertest.NewEnv(clustertest.EnvConfig{
		Namespace:  p.namespace,
		Nodes:      p.nodes,
		Partitions: cfg.Cluster.Partitions,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("start cluster: %w", err)
	}
	defer func() {
		if err := env.Cluster.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close cluster")
		}
	}()

	reg := prometheus.NewRegistry()
	clientCfg, err := cfg.ClientConfig(env.Cluster, env.Connector, reg)
	if err != nil {
		return err
	}
	c, err := client.New(clientCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close client")
		}
	}()

	keys, err := makeKeys(p.namespace, p.keys)
	if err != nil {
		return err
	}
	fmt.Printf("Run: %s\n", runID)
	fmt.Printf("Nodes: %d\n", p.nodes)
	fmt.Printf("Keys: %d\n", p.keys)
	if err := load(ctx, c, keys, p.batchSize); err != nil {
		return err
	}

	if p.faultNode >= 0 && p.faultNode < len(env.Servers) {
		env.Servers[p.faultNode].InjectFault(clustertest.TimeoutFault(p.faultTimes))
		fmt.Printf("Injected %d timeouts on %s\n", p.faultTimes, env.Servers[p.faultNode].Name())
	}

	fmt.Printf("Concurrency: %d\n", p.concurrency)
	fmt.Printf("Requests: %d\n", p.requests)
	fmt.Printf("Batch size: %d\n", p.batchSize)

	limiter := ratelimit.NewUnlimited()
	if p.rate > 0 {
		limiter = ratelimit.New(p.rate)
	}
	bar := progressbar.New(p.requests * p.concurrency)
	t := tachymeter.New(&tachymeter.Config{Size: max(1, int(float64(p.requests*p.concurrency)*p.sampleRatio))})
	var (
		wg         sync.WaitGroup
		errCount   int64
		rowErrors  int64
		startingLn = make(chan bool)
	)
	wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func() {
			defer wg.Done()
			<-startingLn
			for reqID := 0; reqID < p.requests; reqID++ {
				limiter.Take()
				startTime := time.Now()
				err := request(ctx, c, sample(keys, p.batchSize), p)
				switch {
				case errors.Is(err, status.ErrBatchFailedKind):
					atomic.AddInt64(&rowErrors, 1)
				case err != nil:
					atomic.AddInt64(&errCount, 1)
				}
				t.AddTime(time.Since(startTime))
				_ = bar.Add(1)
			}
		}()
	}

	// start the work
	wallTimeStart := time.Now()
	close(startingLn)

	// wait for workers to complete
	wg.Wait()
	_ = bar.Finish()
	t.SetWallTime(time.Since(wallTimeStart))
	fmt.Printf("\n%s\n", t.Calc())
	if rowErrors > 0 {
		fmt.Printf("%d requests had failed records\n", rowErrors)
	}
	if errCount > 0 {
		fmt.Printf("%d requests failed!\n", errCount)
	}
	return printMetrics(reg)
}

func makeKeys(namespace string, n int) ([]*key.Key, error) {
	keys := make([]*key.Key, n)
	for i := range keys {
		k, err := key.New(namespace, benchSet, strings.ReplaceAll(uuid.New().String(), "-", ""))
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

func load(ctx context.Context, c *client.Client, keys []*key.Key, batchSize int) error {
	fmt.Println("Loading keys")
	bar := progressbar.New(len(keys))
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		_, err := c.BatchWrite(ctx, nil, nil, keys[start:end],
			wire.PutOp(payloadBin, uuid.New().String()), wire.AddOp(counterBin, 1))
		if err != nil {
			return fmt.Errorf("load keys %d-%d: %w", start, end, err)
		}
		_ = bar.Add(end - start)
	}
	_ = bar.Finish()
	fmt.Println()
	return nil
}

func sample(keys []*key.Key, n int) []*key.Key {
	if n >= len(keys) {
		return keys
	}
	start := rand.IntN(len(keys) - n + 1)
	return keys[start : start+n]
}

func request(ctx context.Context, c *client.Client, keys []*key.Key, p runParams) error {
	write := rand.Float64() < p.writeRatio
	if !p.async {
		if write {
			_, err := c.BatchWrite(ctx, nil, nil, keys, wire.AddOp(counterBin, 1))
			return err
		}
		_, err := c.BatchGet(ctx, nil, keys, payloadBin, counterBin)
		return err
	}

	records := make([]batch.Record, len(keys))
	bins := []string{payloadBin, counterBin}
	ops := []wire.Operation{wire.AddOp(counterBin, 1)}
	for i, k := range keys {
		if write {
			records[i] = batch.NewWrite(k, ops...)
		} else {
			records[i] = batch.NewRead(k, bins...)
		}
	}
	done := make(chan error, 1)
	if err := c.BatchOperateAsync(ctx, nil, records, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

func printMetrics(reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), metricPrefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Printf("%s{%s} %.0f\n", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				fmt.Printf("%s{%s} count=%d sum=%g\n", mf.GetName(), strings.Join(labels, ","), h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
	return nil
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("namespace", "test", "Namespace of the keys")
	runCmd.Flags().Int("nodes", 3, "Number of fake nodes")
	runCmd.Flags().IntP("keys", "k", 10_000, "Number of keys to load")
	runCmd.Flags().IntP("requests", "r", 100, "Number of batch requests per worker")
	runCmd.Flags().Int("concurrency", 1, "Number of concurrent workers")
	runCmd.Flags().IntP("batch-size", "b", 100, "Keys per batch request")
	runCmd.Flags().Int("rate", 0, "Batch requests per second across workers (0 is unlimited)")
	runCmd.Flags().Float64("write-ratio", 0.2, "Ratio of write batches (between 0 and 1)")
	runCmd.Flags().Float64("sample", 0.5, "Measure sample ratio (between 0 and 1)")
	runCmd.Flags().Bool("async", false, "Run batches on event loops")
	runCmd.Flags().String("replica", config.DefaultBatchReplica, "Replica policy: master, any, sequence or prefer_rack")
	runCmd.Flags().Int("fault-node", -1, "Index of a node to time out on (-1 for none)")
	runCmd.Flags().Int("fault-times", 1, "Number of commands the faulty node times out")
	bindFlags(runCmd.Flags(), map[string]string{
		"replica": config.BatchReplicaKey,
	})
}

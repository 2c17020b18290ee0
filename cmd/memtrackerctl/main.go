// Copyright 2023 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Command memtrackerctl builds a small accounting tree from a
// memconfig file, drives it with the workload package's synthetic
// operator, and prints a usage report. It exists to show the
// accounting tree working end to end, not to run anything real.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pingcap/tidb/memtracker/memconfig"
	"github.com/pingcap/tidb/memtracker/memlog"
	"github.com/pingcap/tidb/memtracker/util/gctuner"
	"github.com/pingcap/tidb/memtracker/util/memory"
	"github.com/pingcap/tidb/memtracker/workload"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sc
		cancel()
	}()

	rootCmd := &cobra.Command{
		Use:          "memtrackerctl",
		Short:        "memtrackerctl drives a demo memory accounting tree",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newRunCommand(ctx))

	if err := rootCmd.Execute(); err != nil {
		log.Error("memtrackerctl failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRunCommand(ctx context.Context) *cobra.Command {
	var (
		confFile   string
		numQueries int
		batches    int
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "build a demo tree and run a synthetic workload against it",
		RunE: func(*cobra.Command, []string) error {
			return run(ctx, confFile, numQueries, batches, workers)
		},
	}
	cmd.Flags().StringVar(&confFile, "config", "", "path to a memconfig TOML file (optional)")
	cmd.Flags().IntVar(&numQueries, "queries", 4, "number of query-level trackers to create under the pool")
	cmd.Flags().IntVar(&batches, "batches", 200, "number of allocation batches per query")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent workers per query operator")
	return cmd
}

func run(ctx context.Context, confFile string, numQueries, numBatches, workers int) error {
	if err := memlog.InitLogger(memlog.NewConfig(memlog.DefaultLogLevel, memlog.DefaultLogFormat, memlog.EmptyFileLogConfig, false)); err != nil {
		return err
	}

	conf := memconfig.NewConfig()
	if confFile != "" {
		if err := conf.Load(confFile); err != nil {
			return err
		}
	}
	memconfig.StoreGlobalConfig(conf)

	root := memory.NewTracker("process", conf.Process)
	pool := memory.NewTypedTracker("pool", memory.QueryPool, conf.QueryPool, root)

	if root.HasLimit() {
		gctuner.GlobalTuner.BindTracker(root)
		gctuner.GlobalTuner.Start()
		defer gctuner.GlobalTuner.Stop()
	}

	operators := make([]*workload.Operator, 0, numQueries)
	for i := 0; i < numQueries; i++ {
		query := memory.NewTypedTracker(fmt.Sprintf("query-%d", i), memory.Query, conf.Query, pool)
		batchList := make([]workload.Batch, numBatches)
		for j := range batchList {
			batchList[j] = workload.Batch{Bytes: int64(1 + rand.IntN(4096))}
		}
		op := workload.NewOperator(query, workers, batchList)
		operators = append(operators, op)
	}

	start := time.Now()
	done := make(chan struct{}, len(operators))
	for _, op := range operators {
		go func(op *workload.Operator) {
			op.Run(ctx)
			done <- struct{}{}
		}(op)
	}
	for range operators {
		<-done
	}

	fmt.Printf("workload finished in %s\n", time.Since(start))
	fmt.Println(root.LogUsage(memory.UnlimitedDepth, ""))
	return nil
}

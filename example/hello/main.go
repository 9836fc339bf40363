package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zhiqiangxu/blockstm"
	"github.com/zhiqiangxu/blockstm/storage"
	"go.uber.org/zap"
)

type txn struct {
	group storage.Key
	tag   storage.Tag
	// nil deletes the tag
	data    []byte
	counter storage.Key
}

type task struct{}

var _ blockstm.ExecutorTask[txn, storage.Key, storage.Tag, *storage.WriteOp, *storage.Output] = task{}

func (task) ExecuteTransaction(view blockstm.ExecutorView[storage.Key, storage.Tag], t txn, _ blockstm.TxnIndex) blockstm.ExecutionStatus[*storage.Output] {
	exists, err := view.ResourceExistsInGroup(t.group, t.tag)
	if err != nil {
		return blockstm.Abort[*storage.Output](err)
	}
	op := storage.Deletion()
	switch {
	case t.data != nil && exists:
		op = storage.Modification(t.data)
	case t.data != nil:
		op = storage.Creation(t.data)
	}

	writes := []blockstm.TaggedWrite[storage.Tag, *storage.WriteOp]{{Tag: t.tag, Value: op}}
	size, err := blockstm.GroupSizeAfterWrites[storage.Key, storage.Tag, *storage.WriteOp](view, t.group, writes)
	if err != nil {
		return blockstm.Abort[*storage.Output](err)
	}
	return blockstm.Success(&storage.Output{
		Groups: []blockstm.GroupWrite[storage.Key, storage.Tag, *storage.WriteOp]{{Key: t.group, Tags: writes, Size: size}},
		Deltas: []blockstm.KeyDelta[storage.Key]{{Key: t.counter, Delta: blockstm.AddDelta(1, math.MaxUint64)}},
	})
}

func (task) SkipOutput() *storage.Output {
	return blockstm.NewSkipOutput[storage.Key, storage.Tag, *storage.WriteOp]()
}

func (task) DiscardOutput(code blockstm.StatusCode) *storage.Output {
	return blockstm.NewDiscardOutput[storage.Key, storage.Tag, *storage.WriteOp](code)
}

func genBlock(size, groups, tags int) []txn {
	block := make([]txn, 0, size)
	for i := 0; i < size; i++ {
		t := txn{
			group:   storage.Key(fmt.Sprintf("group/%d", i%groups)),
			tag:     storage.Tag(i % tags),
			data:    []byte(fmt.Sprintf("value-%d", i)),
			counter: "counter",
		}
		if i%7 == 6 {
			t.data = nil
		}
		block = append(block, t)
	}
	return block
}

// seedCounter creates the aggregator the block adds to, deltas cannot apply to absent values.
func seedCounter(db *storage.BadgerStore, key storage.Key) error {
	v, err := db.GetStateValue(key)
	if err != nil || v.WriteOpKind() != blockstm.WriteOpDeletion {
		return err
	}
	return db.Commit(storage.MaterializedOutput{
		Resources: []blockstm.KeyWrite[storage.Key, *storage.WriteOp]{
			{Key: key, Value: storage.Creation(blockstm.EncodeAggregatorValue(0))},
		},
	})
}

func main() {
	var (
		configPath string
		blockSize  int
		groups     int
		tags       int
	)

	cmd := &cobra.Command{
		Use:   "hello",
		Short: "Execute a synthetic block of resource group writes and commit it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := blockstm.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = blockstm.LoadConfig(configPath); err != nil {
					return err
				}
			}
			logger, err := blockstm.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := storage.OpenBadger(cfg.DBPath, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := seedCounter(db, "counter"); err != nil {
				return err
			}

			var (
				reader storage.Reader = db
				cache  *storage.CachedReader
			)
			if cfg.CacheSize > 0 {
				if cache, err = storage.NewCachedReader(db, cfg.CacheSize); err != nil {
					return err
				}
				reader = cache
			}

			start := time.Now()
			executor := blockstm.NewBlockExecutor[txn, storage.Key, storage.Tag, *storage.WriteOp, *storage.Output](cfg, task{}, reader, logger)
			result, err := executor.ExecuteBlock(context.Background(), genBlock(blockSize, groups, tags))
			if err != nil {
				return err
			}
			for _, out := range result.Outputs {
				ws, ok := out.MaterializedWriteSet()
				if !ok {
					continue
				}
				if err := db.Commit(ws); err != nil {
					return err
				}
				if cache != nil {
					cache.Invalidate(ws)
				}
			}
			logger.Info("block committed", zap.Int("txns", blockSize), zap.Duration("took", time.Since(start)))

			for i := 0; i < groups; i++ {
				key := storage.Key(fmt.Sprintf("group/%d", i))
				values, err := db.GetGroupState(key)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d tags\n", key, len(values))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "toml config file")
	cmd.Flags().IntVar(&blockSize, "block-size", 100, "number of transactions")
	cmd.Flags().IntVar(&groups, "groups", 4, "number of resource groups")
	cmd.Flags().IntVar(&tags, "tags", 8, "number of tags per group")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

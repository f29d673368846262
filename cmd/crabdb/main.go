// Command crabdb is the engine's operational tooling: seed a database file
// with an indexed table and inspect the resulting B+ tree structure.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"crabdb/pkg/buffer"
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/logging"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/disk"
	"crabdb/pkg/storage/index/btree"
	"crabdb/pkg/storage/page"
)

var (
	dbPath    string
	indexName string
	poolSize  int
)

func main() {
	root := &cobra.Command{
		Use:   "crabdb",
		Short: "crabdb engine tooling",
	}
	root.PersistentFlags().StringVar(&dbPath, "file", "crab.db", "database file")
	root.PersistentFlags().StringVar(&indexName, "index", "primary", "index name")
	root.PersistentFlags().IntVar(&poolSize, "pool", 256, "buffer pool frames")

	root.AddCommand(newSeedCmd(), newInspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openTree() (*btree.BPlusTree, *buffer.Pool, *disk.Manager, error) {
	dm, err := disk.NewManager(dbPath)
	if err != nil {
		return nil, nil, nil, err
	}
	pool := buffer.NewPool(poolSize, dm)

	// Page 0 is the header page; make sure it exists in a fresh file.
	if dm.NumPages() == 0 {
		hp, err := pool.NewPage()
		if err != nil {
			dm.Close()
			return nil, nil, nil, err
		}
		pool.UnpinPage(hp.ID(), true)
	}

	tree, err := btree.New(btree.Config{Name: indexName, KeySize: btree.Int64KeySize}, pool)
	if err != nil {
		dm.Close()
		return nil, nil, nil, err
	}
	return tree, pool, dm, nil
}

func newSeedCmd() *cobra.Command {
	var keys, workers int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "insert a key range concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: logging.LevelWarn})
			tree, pool, dm, err := openTree()
			if err != nil {
				return err
			}
			defer dm.Close()

			var g errgroup.Group
			perWorker := keys / workers
			for w := 0; w < workers; w++ {
				lo := w * perWorker
				hi := lo + perWorker
				if w == workers-1 {
					hi = keys
				}
				g.Go(func() error {
					txn := transaction.New(transaction.RepeatableRead)
					for k := lo; k < hi; k++ {
						rid := primitives.NewRID(primitives.PageID(k/64), primitives.SlotID(k%64))
						if _, err := tree.Insert(btree.Int64Key(int64(k)), rid, txn); err != nil {
							return err
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if err := pool.FlushAll(); err != nil {
				return err
			}
			fmt.Printf("seeded %d keys into %s (index %q, root page %d)\n",
				keys, dbPath, indexName, tree.RootPageID())
			return nil
		},
	}
	cmd.Flags().IntVar(&keys, "keys", 1000, "number of keys to insert")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent insert workers")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "print the B+ tree structure",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: logging.LevelWarn})
			dm, err := disk.NewManager(dbPath)
			if err != nil {
				return err
			}
			defer dm.Close()
			pool := buffer.NewPool(poolSize, dm)

			hp, err := pool.FetchPage(page.HeaderPageID)
			if err != nil {
				return err
			}
			header := page.AsHeaderPage(hp)
			if _, ok := header.GetRootID(indexName); !ok {
				pool.UnpinPage(page.HeaderPageID, false)
				return fmt.Errorf("index %q not found in %s", indexName, dbPath)
			}
			pool.UnpinPage(page.HeaderPageID, false)

			tree, err := btree.New(btree.Config{Name: indexName, KeySize: btree.Int64KeySize}, pool)
			if err != nil {
				return err
			}
			return tree.Dump(os.Stdout)
		},
	}
}

package indexgo_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hupe1980/indexgo"
	"github.com/hupe1980/indexgo/redolog"
)

// Example_update demonstrates a transactional batch update.
func Example_update() {
	ctx := context.Background()
	dataPath := "./example_data"
	defer os.RemoveAll(dataPath) // Cleanup after example

	ix, err := indexgo.Open(dataPath)
	if err != nil {
		log.Fatal(err)
	}
	defer ix.Close()

	err = ix.Update(ctx, []indexgo.Document{
		{ID: "n1", Fields: map[string]string{"text": "crash recovery for indexes"}},
		{ID: "n2", Fields: map[string]string{"text": "redo log replay"}},
	}, nil)
	if err != nil {
		log.Fatal(err)
	}

	ids, err := ix.Search(ctx, "recovery")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Found %d result(s)\n", len(ids))
	// Output: Found 1 result(s)
}

// Example_groupCommit demonstrates tuning redo log durability.
func Example_groupCommit() {
	dataPath := "./example_gc"
	defer os.RemoveAll(dataPath) // Cleanup after example

	ix, err := indexgo.Open(dataPath,
		indexgo.WithRedoLog(func(o *redolog.Options) {
			o.DurabilityMode = redolog.DurabilityGroupCommit
			o.GroupCommitInterval = 10 * time.Millisecond
			o.GroupCommitMaxOps = 100
		}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer ix.Close()

	fmt.Println("Group commit enabled")
	// Output: Group commit enabled
}

// Example_metrics demonstrates in-memory metrics collection.
func Example_metrics() {
	ctx := context.Background()
	dataPath := "./example_metrics"
	defer os.RemoveAll(dataPath) // Cleanup after example

	metrics := &indexgo.BasicMetricsCollector{}
	ix, err := indexgo.Open(dataPath, indexgo.WithMetricsCollector(metrics))
	if err != nil {
		log.Fatal(err)
	}
	defer ix.Close()

	_ = ix.Update(ctx, []indexgo.Document{
		{ID: "n1", Fields: map[string]string{"text": "hello"}},
	}, nil)

	stats := metrics.GetStats()
	fmt.Printf("Updates: %d, docs added: %d\n", stats.UpdateCount, stats.DocsAdded)
	// Output: Updates: 1, docs added: 1
}

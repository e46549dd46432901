// keydb-benchmark drives the engine directly with a mixed SET/GET
// workload and reports throughput. It exercises the command layer without
// a network in between.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/mbridon/KeyDB/internal/command"
	"github.com/mbridon/KeyDB/internal/config"
	"github.com/mbridon/KeyDB/internal/db"
)

func main() {
	ops := flag.Int("n", 100000, "Number of operations")
	keyspaceSize := flag.Int("r", 10000, "Random key space size")
	writeRatio := flag.Float64("w", 0.5, "Write ratio (0..1)")
	flag.Parse()

	cfg := config.DefaultConfig()
	engine, err := db.NewServer(cfg)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer engine.Close()

	ctx := &command.Context{Srv: engine, Client: engine.NewClient()}

	start := time.Now()
	writes, reads := 0, 0
	for i := 0; i < *ops; i++ {
		key := fmt.Sprintf("key:%d", rand.Intn(*keyspaceSize))
		if rand.Float64() < *writeRatio {
			command.Exec(ctx, [][]byte{[]byte("SET"), []byte(key), []byte("value")})
			writes++
		} else {
			command.Exec(ctx, [][]byte{[]byte("GET"), []byte(key)})
			reads++
		}
	}
	elapsed := time.Since(start)

	hits, misses, _ := engine.Stats()
	fmt.Printf("%d ops in %v (%.0f ops/sec)\n", *ops, elapsed, float64(*ops)/elapsed.Seconds())
	fmt.Printf("writes: %d  reads: %d  hits: %d  misses: %d\n", writes, reads, hits, misses)
}

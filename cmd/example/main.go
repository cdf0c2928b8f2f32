package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"treeline/pkg/common"
	"treeline/pkg/config"
	"treeline/pkg/db"
)

func main() {
	dir := "./treeline-example-data"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	fmt.Printf("Opening treeline store at %s...\n", dir)
	opts := config.DefaultOptions()
	opts.KeyHints.NumKeys = 10000

	store, err := db.Open(dir, opts)
	if err != nil {
		log.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	key := common.Key("10086")
	value := common.Value("Hello, treeline!")

	fmt.Printf("Writing: Key=%s, Val=%s\n", key, value)
	start := time.Now()
	if err := store.Put(key, value); err != nil {
		log.Fatalf("Put failed: %v", err)
	}
	fmt.Printf("Put done in %v\n", time.Since(start))

	fmt.Printf("Reading Key=%s...\n", key)
	start = time.Now()
	got, err := store.Get(key)
	if err != nil {
		log.Fatalf("Get failed: %v", err)
	}
	fmt.Printf("Got Value: %s (in %v)\n", got, time.Since(start))

	if err := store.FlushMemTable(true); err != nil {
		log.Fatalf("FlushMemTable failed: %v", err)
	}

	fmt.Println("Writing a small range of keys...")
	for i := 0; i < 5; i++ {
		k := common.Key(fmt.Sprintf("range-%02d", i))
		v := common.Value(fmt.Sprintf("value-%02d", i))
		if err := store.Put(k, v); err != nil {
			log.Fatalf("Put failed: %v", err)
		}
	}

	recs, err := store.GetRange(common.Key("range-00"), 10)
	if err != nil {
		log.Fatalf("GetRange failed: %v", err)
	}
	for _, r := range recs {
		fmt.Printf("  %s = %s\n", r.Key, r.Value)
	}

	snap := store.Stats()
	fmt.Printf("Stats: %s\n", snap.Summary(0))
}

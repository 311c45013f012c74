// Command turbocache-example is glue demonstrating the façade API end to
// end: open a directory, insert, look up, delete, and iterate. It is not
// part of the engine under test; see SPEC_FULL.md §6.1/§9.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/theflywheel/turbocache"
)

func main() {
	dir := "example-data"
	os.RemoveAll(dir)

	cache, err := turbocache.Open(dir)
	if err != nil {
		log.Fatalf("failed to open cache: %v", err)
	}
	defer cache.Close()

	fmt.Println("TurboCache opened successfully")

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		value := []byte(fmt.Sprintf("value-%d", i*100))
		if _, err := cache.Set(key, value); err != nil {
			log.Fatalf("failed to set %s: %v", key, err)
		}
	}
	fmt.Println("Inserted 10 key-value pairs")

	for i := 0; i < 15; i += 2 {
		key := []byte(fmt.Sprintf("key-%d", i))
		value, ok, err := cache.Get(key)
		if err != nil {
			log.Fatalf("failed to get %s: %v", key, err)
		}
		if ok {
			fmt.Printf("%s => %s\n", key, value)
		} else {
			fmt.Printf("%s not found\n", key)
		}
	}

	if _, err := cache.Set([]byte("key-2"), []byte("updated-value")); err != nil {
		log.Fatalf("failed to update key-2: %v", err)
	}
	if value, ok, err := cache.Get([]byte("key-2")); err != nil {
		log.Fatalf("failed to get key-2: %v", err)
	} else if ok {
		fmt.Printf("updated key-2 => %s\n", value)
	}

	if _, ok, err := cache.Del([]byte("key-5")); err != nil {
		log.Fatalf("failed to delete key-5: %v", err)
	} else if ok {
		fmt.Println("deleted key-5")
	}

	count, err := cache.Count()
	if err != nil {
		log.Fatalf("failed to count: %v", err)
	}
	fmt.Printf("total entries: %d\n", count)

	fmt.Println("Example completed successfully")
}

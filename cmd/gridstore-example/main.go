package main

import (
	"context"
	"fmt"
	"log"

	"github.com/i5heu/gridstore"
	"github.com/i5heu/gridstore/pkg/query"
	"github.com/i5heu/gridstore/pkg/types"
)

func main() {
	fmt.Println("Starting gridstore example")

	sm, err := gridstore.New(gridstore.Config{
		Paths:         []string{"mem://"},
		TileCacheSize: 32 << 20,
	})
	if err != nil {
		log.Fatal(fmt.Sprintf("Failed to initialize storage manager: %s", err))
	}
	defer sm.Close()

	if err := sm.Start(); err != nil {
		log.Fatal(fmt.Sprintf("Failed to start storage manager: %s", err))
	}

	schema := types.ArraySchema{
		Dimensions: []types.Dimension{
			{Name: "x", Type: types.DatatypeInt32, Min: 0, Max: 999, TileExtent: 100},
		},
		Attributes: []types.Attribute{
			{Name: "temperature", Type: types.DatatypeFloat32, CellsPerValue: 1},
		},
		TileOrder: types.LayoutRowMajor,
		CellOrder: types.LayoutRowMajor,
	}

	arrayURI := "mem://sensors/temperature"
	if err := sm.CreateArray(arrayURI, schema, nil); err != nil {
		log.Fatal(fmt.Sprintf("Error creating array: %s", err))
	}
	fmt.Println("Created array", arrayURI)

	writeQ := query.Query{
		ArrayURI:   arrayURI,
		Mode:       query.ModeWrite,
		Attributes: []string{"temperature"},
		WriteBuffers: map[string][]byte{
			"temperature": generateReadings(1000),
		},
	}
	if _, err := sm.SubmitQuery(context.Background(), writeQ); err != nil {
		log.Fatal(fmt.Sprintf("Error writing to array: %s", err))
	}
	fmt.Println("Wrote a fragment")

	readQ := query.Query{
		ArrayURI:   arrayURI,
		Mode:       query.ModeRead,
		Attributes: []string{"temperature"},
	}
	result, err := sm.SubmitQuery(context.Background(), readQ)
	if err != nil {
		log.Fatal(fmt.Sprintf("Error reading from array: %s", err))
	}
	fmt.Printf("Read back %d bytes\n", len(result.Buffers["temperature"]))

	if err := sm.Consolidate(arrayURI, nil); err != nil {
		log.Fatal(fmt.Sprintf("Error consolidating array: %s", err))
	}
	fmt.Println("Consolidated array")

	snap := sm.Stats()
	fmt.Printf("Tile cache: %d/%d bytes used, %d hits, %d misses\n",
		snap.TileCache.UsedBytes, snap.TileCache.CapacityBytes, snap.TileCache.Hits, snap.TileCache.Misses)
}

func generateReadings(count int) []byte {
	data := make([]byte, count*4)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

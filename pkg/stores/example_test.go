package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/stores"
)

// ExampleSQLiteStore_ListOrders shows filtering the persisted orders by
// state, the query behind "orders list".
func ExampleSQLiteStore_ListOrders() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         ":memory:",
		WriteTimeout: time.Second,
	})
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	for _, id := range []string{"ord-a", "ord-b"} {
		o, _ := engine.NewOrder(id, engine.User{ID: "u-1"}, engine.ResourceSpec{
			Network: &engine.NetworkSpec{CIDR: "10.0.0.0/24"},
		})
		store.OrderChanged(o.View())
	}
	if err := store.Flush(ctx); err != nil {
		log.Fatal(err)
	}

	records, err := store.ListOrders(ctx, stores.ListFilter{State: engine.OrderStateOpen, Limit: 1})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(records), records[0].Type)
	// Output: 1 network
}

// ExampleSQLiteStore_OrderChanged demonstrates persisting an order snapshot
// and loading it back.
func ExampleSQLiteStore_OrderChanged() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	order, err := engine.NewOrder("ord-001", engine.User{ID: "u-1"}, engine.ResourceSpec{
		Volume: &engine.VolumeSpec{SizeGB: 20},
	})
	if err != nil {
		log.Fatal(err)
	}

	// Snapshots are written in the background; Flush waits for them.
	store.OrderChanged(order.View())
	if err := store.Flush(ctx); err != nil {
		log.Fatal(err)
	}

	views, err := store.LoadAllOrders(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, v := range views {
		fmt.Println(v.ID, v.Type, v.State)
	}
	// Output: ord-001 volume OPEN
}

package main

import (
	"fmt"
	"os"

	waggle "github.com/waggleapp/waggle-go"
)

// openStorage opens the durable store shared by tokens and the sync queue.
// The caller must Close it.
func openStorage() *waggle.BoltStorage {
	path, err := storagePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate storage: %v\n", err)
		os.Exit(1)
	}
	store, err := waggle.OpenBoltStorage(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage: %v\n", err)
		os.Exit(1)
	}
	return store
}

// newClient creates a Waggle client whose tokens persist in local storage.
func newClient(store *waggle.BoltStorage) *waggle.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := []waggle.ClientOption{
		waggle.WithTokenStore(waggle.NewTokenStore(store)),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, waggle.WithBaseURL(cfg.Default.BaseURL))
	}
	return waggle.New(opts...)
}

// newSyncManager wires the offline queue against the client and storage.
func newSyncManager(client *waggle.Client, store *waggle.BoltStorage, online bool) *waggle.SyncManager {
	cfg, _ := loadConfig()
	opts := waggle.SyncOptions{}
	if cfg != nil {
		opts.Prioritize = cfg.Sync.Prioritize
		opts.Incremental = cfg.Sync.Incremental
	}
	return waggle.NewSyncManager(client, store, waggle.NewManualConnectivity(online), opts)
}

func valueOrDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

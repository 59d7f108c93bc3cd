package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/knirvcorp/syncbase/go/internal/types"
	"github.com/knirvcorp/syncbase/go/pkg/syncengine"
)

func main() {
	ctx := context.Background()

	appDataDir := os.Getenv("XDG_DATA_HOME")
	if appDataDir == "" {
		home, _ := os.UserHomeDir()
		appDataDir = filepath.Join(home, ".local", "share", "syncbase")
	}
	os.MkdirAll(appDataDir, 0755)

	clientID := os.Getenv("SYNC_CLIENT_ID")
	if clientID == "" {
		clientID = "demo-client"
	}

	engine, err := syncengine.New(ctx, syncengine.Options{
		DataDir:   appDataDir,
		ServerURL: os.Getenv("SYNC_SERVER_URL"),
		ClientID:  clientID,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	engine.OnSyncStateChange(func(id types.DocumentID, state types.DocumentSyncState) {
		fmt.Printf("document %s: state=%v pending=%d error=%q\n", id, state.State, state.PendingOperations, state.Error)
	})

	doc, err := engine.RegisterDocument(ctx, "demo-doc")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("registered document %s\n", doc.ID())

	if err := engine.Set(ctx, "demo-doc", "title", []byte(`"hello from syncbase"`)); err != nil {
		log.Fatal(err)
	}
	fmt.Println("wrote field offline; it will replay once connected")

	engine.Start(ctx)

	v, _ := engine.Get("demo-doc", "title")
	fmt.Printf("title = %s\n", v)

	if os.Getenv("SYNC_SERVER_URL") == "" {
		fmt.Println("no SYNC_SERVER_URL set, running offline-only")
		return
	}

	time.Sleep(5 * time.Second)
	fmt.Printf("final sync state: %+v\n", engine.SyncState("demo-doc"))
}

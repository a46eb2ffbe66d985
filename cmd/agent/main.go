// The agent is a headless collaborator: it joins a page's room, announces
// editing, applies one edit through the typed view, waits for the reconciler
// to persist it, and leaves. Useful for smoke-testing a deployment and as a
// template for bot integrations.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"tandem/api/internal/apiclient"
	"tandem/api/internal/collab"
	"tandem/api/internal/config"
	"tandem/api/internal/content"
	"tandem/api/internal/crdt"
	"tandem/api/internal/transport"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8787", "base URL of the tandem API")
	page := flag.String("page", "home.md", "page to edit")
	name := flag.String("name", "agent", "participant name")
	color := flag.String("color", "#7c3aed", "presence color")
	appendText := flag.String("append", "", "text to append to the page (text pages only)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	cfg := config.Load()
	client := apiclient.New(*apiURL)
	registry := collab.NewRegistry(collab.Options{
		Dialer:   collab.NewTransportDialer(*apiURL),
		Backend:  client,
		Editing:  client,
		Debounce: cfg.SaveDebounce,
		Settle:   cfg.SettleDelay,
	})
	defer registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	statusCh := make(chan transport.Status, 8)
	saveCh := make(chan collab.SaveState, 8)
	handle, err := registry.Acquire(ctx, *page, collab.Participant{Name: *name, Color: *color}, collab.Callbacks{
		Status: func(s transport.Status) { statusCh <- s },
		Save:   func(s collab.SaveState) { saveCh <- s },
		Users: func(users []crdt.Presence) {
			log.Printf("room has %d participant(s)", len(users))
		},
	})
	if err != nil {
		log.Fatalf("acquire %s: %v", *page, err)
	}

	waitStatus(ctx, statusCh, transport.StatusConnected)
	log.Printf("connected to room %s", *page)

	if err := handle.SetEditing(ctx, true); err != nil {
		log.Printf("editing report failed: %v", err)
	}

	// Let the initial sync and seed settle before touching the replica.
	time.Sleep(cfg.SettleDelay + 250*time.Millisecond)

	if *appendText != "" {
		if handle.Kind() != content.KindText {
			log.Fatalf("-append requires a text page, %s is %s", *page, handle.Kind())
		}
		text := handle.Text()
		text.SetString(text.String() + *appendText)
		log.Printf("applied edit, waiting for save")
		waitSave(ctx, saveCh, collab.SaveSaved)
		log.Printf("saved")
	}

	if err := handle.SetEditing(ctx, false); err != nil {
		log.Printf("editing clear failed: %v", err)
	}
	registry.ForceDestroy(*page)
}

func waitStatus(ctx context.Context, ch <-chan transport.Status, want transport.Status) {
	for {
		select {
		case <-ctx.Done():
			log.Fatalf("timed out waiting for status %s", want)
		case got := <-ch:
			if got == want {
				return
			}
		}
	}
}

func waitSave(ctx context.Context, ch <-chan collab.SaveState, want collab.SaveState) {
	seenDirty := false
	for {
		select {
		case <-ctx.Done():
			log.Fatalf("timed out waiting for save state %s", want)
		case got := <-ch:
			if got == collab.SaveDirty || got == collab.SaveSaving {
				seenDirty = true
			}
			if seenDirty && got == want {
				return
			}
		}
	}
}

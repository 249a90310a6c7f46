package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	ouroboros "github.com/i5heu/ouroboros-rooms"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/logging"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

var (
	path             = flag.String("path", "./tmp", "data directory")
	backend          = flag.String("backend", "badger", "storage backend")
	rooms            = flag.Int("rooms", 8, "number of rooms")
	eventsPerRoom    = flag.Int("events", 2000, "events appended per room")
	limitConcurrency = flag.Int("concurrency", 64, "parallel auth chain lookups")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	e, err := ouroboros.New(ouroboros.Config{
		Paths:            []string{*path},
		Backend:          keyValStore.Backend(*backend),
		Logger:           logging.Discard(),
		AuthChainWorkers: 8,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := e.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer e.Close(ctx)

	start := time.Now()
	var heads []struct{ room, event string }
	wg := sync.WaitGroup{}
	var mu sync.Mutex

	// rooms are written concurrently, events within a room in order
	for r := 0; r < *rooms; r++ {
		roomID := fmt.Sprintf("!torture%d:example.org", r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(len(roomID))))
			var stored []string
			for i := 0; i < *eventsPerRoom; i++ {
				eventID := fmt.Sprintf("$%s-%d", roomID[1:], i)
				ev := &types.Event{
					EventID:    eventID,
					RoomID:     roomID,
					Sender:     "@torture:example.org",
					Type:       "m.room.message",
					Content:    json.RawMessage(`{"body":"load"}`),
					AuthEvents: pickAuth(rng, stored),
					Depth:      uint64(i + 1),
				}
				if _, err := e.AppendEvent(ctx, roomID, ev); err != nil {
					log.Fatalf("Error appending event: %v", err)
				}
				stored = append(stored, eventID)
			}
			mu.Lock()
			heads = append(heads, struct{ room, event string }{roomID, stored[len(stored)-1]})
			mu.Unlock()
		}()
	}
	wg.Wait()
	fmt.Printf("appended %d events in %s\n", (*rooms)*(*eventsPerRoom), time.Since(start))

	start = time.Now()
	limitConcurrencyChan := make(chan struct{}, *limitConcurrency)
	emptyCounter := 0
	for _, head := range heads {
		head := head
		for i := 0; i < *limitConcurrency; i++ {
			wg.Add(1)
			limitConcurrencyChan <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-limitConcurrencyChan }()
				chain, err := e.GetAuthChain(ctx, head.room, []string{head.event})
				if err != nil {
					log.Fatalf("Error resolving auth chain: %v", err)
				}
				if len(chain) == 0 {
					mu.Lock()
					emptyCounter++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()
	fmt.Printf("resolved %d auth chains in %s, %d empty\n", len(heads)*(*limitConcurrency), time.Since(start), emptyCounter)

	stats, err := e.CacheStats()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("cache entries:", stats)
}

// pickAuth links to the room creation event and up to two earlier events.
func pickAuth(rng *rand.Rand, stored []string) []string {
	if len(stored) == 0 {
		return nil
	}
	auth := []string{stored[0]}
	for i := 0; i < 2 && len(stored) > 1; i++ {
		auth = append(auth, stored[1+rng.Intn(len(stored)-1)])
	}
	return auth
}

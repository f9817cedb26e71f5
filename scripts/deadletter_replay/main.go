// deadletter_replay drains the ingest dead-letter sink and re-submits each
// parked event through the HTTP ingest API. Events the API still rejects are
// pushed back onto the sink so nothing is lost across a partial replay.
//
// Usage:
//
//	go run ./scripts/deadletter_replay \
//	  -redis localhost:6379 \
//	  -api http://localhost:8080/api/v1 \
//	  -token "$DEVICE_JWT" \
//	  -limit 100 -dry-run
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetward/bustrack-api/internal/models"
	"github.com/fleetward/bustrack-api/internal/repository"
)

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "redis address holding the dead-letter list")
	redisPassword := flag.String("redis-password", "", "redis password")
	redisDB := flag.Int("redis-db", 0, "redis database")
	apiBase := flag.String("api", "http://localhost:8080/api/v1", "ingest API base URL")
	token := flag.String("token", "", "bearer token for the ingest endpoints")
	limit := flag.Int("limit", 0, "max envelopes to replay, 0 for all")
	dryRun := flag.Bool("dry-run", false, "print envelopes without replaying")
	flag.Parse()

	if *token == "" && !*dryRun {
		log.Fatal("a -token is required unless -dry-run is set")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: *redisPassword,
		DB:       *redisDB,
	})
	defer client.Close()
	sink := repository.NewDeadLetterRepository(client)

	ctx := context.Background()
	depth, err := sink.Len(ctx)
	if err != nil {
		log.Fatalf("dead-letter sink unreachable: %v", err)
	}
	log.Printf("sink depth: %d", depth)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	replayed, failed := 0, 0
	for *limit == 0 || replayed+failed < *limit {
		envelope, err := sink.Pop(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			log.Fatalf("pop failed: %v", err)
		}

		if *dryRun {
			fmt.Printf("%s parked_at=%s reason=%q payload=%s\n",
				envelope.Kind, envelope.ParkedAt.Format(time.RFC3339), envelope.Reason, envelope.Payload)
			replayed++
			continue
		}

		if err := replay(ctx, httpClient, *apiBase, *token, envelope); err != nil {
			log.Printf("replay failed (%s): %v", envelope.Kind, err)
			if pushErr := sink.Push(ctx, *envelope); pushErr != nil {
				log.Printf("could not re-park envelope: %v", pushErr)
			}
			failed++
			continue
		}
		replayed++
	}

	log.Printf("done: replayed=%d failed=%d", replayed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// replay converts a parked persistence job back into the raw event shape the
// ingest API accepts and posts it.
func replay(ctx context.Context, client *http.Client, apiBase, token string, envelope *repository.DeadLetterEnvelope) error {
	var (
		path string
		body []byte
	)
	switch envelope.Kind {
	case "persist_fix", "apply_fix":
		var fix models.LocationFix
		if err := json.Unmarshal(envelope.Payload, &fix); err != nil {
			return fmt.Errorf("decode fix: %w", err)
		}
		raw := models.RawEvent{
			Kind:      models.EventKindLocation,
			BusID:     fix.BusID,
			Timestamp: fix.RecordedAt,
			Lat:       fix.Lat,
			Lon:       fix.Lon,
			SpeedKmh:  fix.SpeedKmh,
			Heading:   fix.Heading,
			Accuracy:  fix.Accuracy,
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		path, body = "/ingest/locations", encoded
	case "persist_geofence":
		// Geofence events are derived state; replaying the source fix would
		// double-count fence transitions, so these need operator review.
		return fmt.Errorf("geofence events are not replayable, inspect via /ops/dead-letter")
	default:
		return fmt.Errorf("unknown envelope kind %q", envelope.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("api returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}

package main

import (
	"context"
	"log"
	"os"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/app/bootstrap"
)

func main() {
	ctx := context.Background()
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/default.yaml"
	}
	relay, err := bootstrap.NewRelay(ctx, path)
	if err != nil {
		log.Fatalf("bootstrap outbox relay: %v", err)
	}
	if err := relay.Run(ctx); err != nil {
		log.Fatalf("run relay: %v", err)
	}
}

package main

import (
	"context"
	"flag"
	"log"

	"github.com/shopraft/modprov/internal/engine"
	"github.com/shopraft/modprov/pkg/service"
)

var (
	port           = flag.Int("port", 50070, "The server port")
	serviceVersion = "1.0.0"
)

func main() {
	flag.Parse()

	// Create service implementation
	impl := engine.NewService()

	// Create base service with implementation
	svc := service.NewBaseService(
		"provisioner",
		serviceVersion,
		*port,
		impl,
	)

	// Run the service
	ctx := context.Background()
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("Failed to run service: %v", err)
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/jobgate/core/controlplane/gateway"
	"github.com/cordum/jobgate/core/infra/buildinfo"
	"github.com/cordum/jobgate/core/infra/config"
)

func main() {
	log.Println("jobgate api gateway starting...")
	buildinfo.Log("jobgate-api-gateway")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := gateway.Run(ctx, cfg); err != nil {
		log.Fatalf("api gateway error: %v", err)
	}
}

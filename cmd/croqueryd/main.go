package main

import (
	"log"
	"os"

	"github.com/croquery/croquery/config"
	"github.com/croquery/croquery/internal/server"
)

func main() {
	cfg := config.LoadConfig(os.Getenv("CROQUERY_CONFIG"))
	if addr := os.Getenv("CROQUERY_HTTP_ADDR"); addr != "" {
		cfg.Server.Address = addr
	}

	if err := server.Run(cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

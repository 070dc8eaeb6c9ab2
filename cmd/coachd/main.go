package main

import (
	"log"
	"os"

	"github.com/fitforge/coach/internal/server"
)

func main() {
	addr := os.Getenv("COACH_HTTP_ADDR")
	if addr == "" {
		addr = ":10001"
	}

	if err := server.Run(addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

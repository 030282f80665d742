// Package main provides a web-based monitoring UI for relayq.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hemant/relayq"
)

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "Redis server address")
	port := flag.Int("port", 8080, "HTTP server port")
	flag.Parse()

	inspector := relayq.NewInspector(relayq.RedisClientOpt{Addr: *redisAddr})
	defer inspector.Close()

	handler, err := NewHandler(inspector)
	if err != nil {
		log.Fatalf("Failed to create handler: %v", err)
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	addr := fmt.Sprintf(":%d", *port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")
		server.Close()
	}()

	log.Printf("relayq monitor starting on http://localhost%s", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

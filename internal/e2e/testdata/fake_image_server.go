//go:build ignore

// fake_image_server mimics a local OpenAI-compatible image backend: it logs a
// uvicorn style banner once listening and answers image generations with a
// tiny PNG.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var png = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRfake")

func main() {
	var host, port string
	var crashAfter int
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.IntVar(&crashAfter, "crash-after", 0, "exit(3) after this many generations (0 = never)")
	flag.Parse()

	served := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		served++
		if crashAfter > 0 && served >= crashAfter {
			fmt.Fprintln(os.Stderr, "RuntimeError: CUDA error: out of memory")
			os.Exit(3)
		}
		n := 1
		if v, ok := req["n"].(float64); ok && v > 0 {
			n = int(v)
		}
		data := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			data = append(data, map[string]any{"b64_json": base64.StdEncoding.EncodeToString(png), "revised_prompt": req["prompt"]})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"created": time.Now().Unix(), "data": data})
	})

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()
	fmt.Printf("INFO:     Uvicorn running on http://%s (Press CTRL+C to quit)\n", ln.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

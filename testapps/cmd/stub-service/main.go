package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// stub-service stands in for one of the platform's Python services so
// gamectl can be exercised without a provisioned virtualenv. It listens
// on the port named by --port-env (falling back to --port) and answers
// /health, which is enough to satisfy tcp and http readiness probes.
func main() {
	var port int
	var portEnv string
	var name string
	flag.IntVar(&port, "port", 0, "Port to listen on (0 for ephemeral)")
	flag.StringVar(&portEnv, "port-env", "", "Environment variable holding the port (e.g. DB_PORT)")
	flag.StringVar(&name, "name", "stub", "Service name used in log lines")
	flag.Parse()

	if portEnv != "" {
		if v := os.Getenv(portEnv); v != "" {
			_, _ = fmt.Sscanf(v, "%d", &port)
		}
	}
	host := os.Getenv("SERVER_HOST")
	if host == "" {
		host = "127.0.0.1"
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: listen error: %v\n", name, err)
		os.Exit(2)
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s: listening on %s\n", name, ln.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "%s up\n", name)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for range t.C {
			_, _ = fmt.Fprintf(os.Stdout, "%s %s: serving\n",
				time.Now().Format("2006-01-02 15:04:05"), name)
		}
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		_, _ = fmt.Fprintf(os.Stderr, "%s: serve error: %v\n", name, err)
		os.Exit(3)
	}
}

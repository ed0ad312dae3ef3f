// Command healthcheck is the container probe. It GETs HEALTHCHECK_URL (or the first
// argument) and exits non-zero unless the response is 200.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/healthz"

func main() {
	if err := probe(context.Background(), target(os.Args[1:], os.Getenv("HEALTHCHECK_URL")), 3*time.Second); err != nil {
		log.Printf("healthcheck failed: %v", err)
		os.Exit(1)
	}
}

func target(args []string, env string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if env != "" {
		return env
	}
	return defaultURL
}

func probe(ctx context.Context, url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "unexpected status " + http.StatusText(e.code) }

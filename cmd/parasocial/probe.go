package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"parasocial-gateway/client/mirror"
)

type probeOptions struct {
	baseURL  string
	method   string
	path     string
	token    string
	body     string
	count    int
	interval time.Duration
}

func newProbeCmd() *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send repeated requests and print the client-side rate limit prediction",
		Long: `Drive a running server through the client mirror transport.

Each request updates the local prediction from the RateLimit-* headers. Once
the mirror predicts a block, requests fail locally without reaching the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd.OutOrStdout(), opts, http.DefaultTransport)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "url", "http://localhost:8080", "server base URL")
	f.StringVar(&opts.method, "method", http.MethodPost, "HTTP method")
	f.StringVar(&opts.path, "path", "/api/posts", "request path")
	f.StringVar(&opts.token, "token", "", "bearer token")
	f.StringVar(&opts.body, "body", `{"content":"probe"}`, "JSON request body")
	f.IntVarP(&opts.count, "count", "n", 7, "number of requests")
	f.DurationVar(&opts.interval, "interval", 0, "pause between requests")
	return cmd
}

func runProbe(out io.Writer, opts *probeOptions, base http.RoundTripper) error {
	m := mirror.New()
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &mirror.Transport{Base: base, Mirror: m},
	}

	probeReq, err := http.NewRequest(opts.method, strings.TrimSuffix(opts.baseURL, "/")+opts.path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	category, limited := mirror.DefaultCategory(probeReq)
	if !limited {
		fmt.Fprintf(out, "%s %s is not rate limited; predictions will stay empty\n", opts.method, opts.path)
	}

	for i := range opts.count {
		req, err := http.NewRequest(opts.method, probeReq.URL.String(), strings.NewReader(opts.body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if opts.token != "" {
			req.Header.Set("Authorization", "Bearer "+opts.token)
		}

		resp, err := client.Do(req)
		var predicted *mirror.PredictedLimitError
		switch {
		case errors.As(err, &predicted):
			fmt.Fprintf(out, "#%d blocked locally: retry in %ds\n", i+1, int(predicted.RetryIn/time.Second))
		case err != nil:
			return fmt.Errorf("request %d: %w", i+1, err)
		default:
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			p, _ := m.Prediction(category)
			fmt.Fprintf(out, "#%d %d limit=%d remaining=%d limited=%v reset_in=%ds\n",
				i+1, resp.StatusCode, p.Limit, p.Remaining, m.IsLimited(category), m.TimeUntilResetSeconds(category))
		}

		if opts.interval > 0 && i < opts.count-1 {
			time.Sleep(opts.interval)
		}
	}
	return nil
}

// Package main is the entry point for guardctl, the operator CLI for the
// polis-guard admin API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-guard/internal/admin"
	guardtls "github.com/polisai/polis-guard/internal/tls"
	"github.com/polisai/polis-guard/pkg/domain"
)

const (
	defaultAddr = "http://127.0.0.1:19090"
	envAddr     = "POLIS_GUARD_ADDR"
	envToken    = "POLIS_GUARD_ADMIN_TOKEN"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// client talks JSON to the admin API.
type client struct {
	addr    string
	token   string
	actor   string
	timeout time.Duration
	tls     guardtls.Config
	http    *http.Client
}

// setup builds the HTTP client once flags are parsed.
func (c *client) setup() error {
	if c.tls == (guardtls.Config{}) {
		c.http = &http.Client{}
		return nil
	}
	tlsConfig, err := guardtls.BuildClient(c.tls)
	if err != nil {
		return err
	}
	c.http = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}
	return nil
}

// APIError is a non-2xx admin response.
type APIError struct {
	Status int
	domain.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("admin API returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.addr, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set(admin.HeaderActor, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, &apiErr.ErrorResponse)
		return nil, apiErr
	}
	return data, nil
}

// call performs the request and pretty-prints the JSON response.
func (c *client) call(cmd *cobra.Command, method, path string, body any) error {
	data, err := c.do(cmd.Context(), method, path, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}

func printJSON(w io.Writer, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		_, err := fmt.Fprintln(w, "ok")
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}

func newRootCmd() *cobra.Command {
	c := &client{}

	root := &cobra.Command{
		Use:   "guardctl",
		Short: "Operate a running polis-guard",
		Long: `guardctl drives the polis-guard admin API.

The address and token default to POLIS_GUARD_ADDR and
POLIS_GUARD_ADMIN_TOKEN.

Example:
  guardctl breaker force-open search openai --actor alice
  guardctl budget set --name search-llm --service search --period monthly --limit 500`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.setup()
		},
	}

	addr := os.Getenv(envAddr)
	if addr == "" {
		addr = defaultAddr
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", addr, "Admin API base URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv(envToken), "Admin bearer token")
	root.PersistentFlags().StringVar(&c.actor, "actor", os.Getenv("USER"), "Operator name recorded on overrides")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 10*time.Second, "Request timeout")
	root.PersistentFlags().StringVar(&c.tls.ClientCAFile, "ca", "", "CA bundle that signed the admin certificate (absolute path)")
	root.PersistentFlags().StringVar(&c.tls.CertFile, "cert", "", "Client certificate for mutual TLS")
	root.PersistentFlags().StringVar(&c.tls.KeyFile, "key", "", "Client key for mutual TLS")
	root.PersistentFlags().StringVar(&c.tls.ServerName, "server-name", "", "Expected admin certificate name")

	root.AddCommand(
		newRateLimitCmd(c),
		newAdmitCmd(c),
		newBreakerCmd(c),
		newBudgetCmd(c),
		newIncidentCmd(c),
		newUsageCmd(c),
		newSignalCmd(c),
		newSignalsCmd(c),
		newHealthCmd(c),
		newReloadCmd(c),
	)
	return root
}

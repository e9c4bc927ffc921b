package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-guard/internal/admin"
)

func newRateLimitCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ratelimit",
		Aliases: []string{"rl"},
		Short:   "Manage rate-limit policies",
	}

	var set admin.RateLimitRequest
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace a rate-limit policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodPut, "/v1/ratelimits", set)
		},
	}
	setCmd.Flags().StringVar(&set.IdentifierType, "type", "api_key", "Identifier type (ip, user, client, api_key)")
	setCmd.Flags().StringVar(&set.IdentifierValue, "value", "", "Exact identifier this policy applies to (empty for all)")
	setCmd.Flags().StringVar(&set.Scope, "scope", "", "Scope the policy applies to")
	setCmd.Flags().IntVar(&set.RequestsPerWindow, "requests", 0, "Requests allowed per window")
	setCmd.Flags().IntVar(&set.BurstAllowance, "burst", 0, "Extra tokens above the per-window rate")
	setCmd.Flags().StringVar(&set.WindowDuration, "window", "1m", "Window duration")
	_ = setCmd.MarkFlagRequired("scope")
	_ = setCmd.MarkFlagRequired("requests")

	var test admin.RateLimitTestRequest
	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Dry-run admissions against the current policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodPost, "/v1/ratelimits/test", test)
		},
	}
	testCmd.Flags().StringVar(&test.IdentifierType, "type", "api_key", "Identifier type")
	testCmd.Flags().StringVar(&test.Identifier, "id", "", "Identifier value")
	testCmd.Flags().StringVar(&test.Scope, "scope", "", "Scope")
	testCmd.Flags().IntVar(&test.Requests, "requests", 1, "Number of simulated requests")
	_ = testCmd.MarkFlagRequired("id")

	cmd.AddCommand(
		setCmd,
		testCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List configured policies",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, http.MethodGet, "/v1/ratelimits", nil)
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show limiter statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, http.MethodGet, "/v1/ratelimits/stats", nil)
			},
		},
	)
	return cmd
}

func newBreakerCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "breaker",
		Aliases: []string{"cb"},
		Short:   "Inspect and override circuit breakers",
	}

	override := func(action string) *cobra.Command {
		return &cobra.Command{
			Use:   action + " SERVICE PROVIDER",
			Short: "Apply the " + action + " override",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodPost, breakerPath(args[0], args[1])+"/"+action, nil)
			},
		}
	}

	var set admin.BreakerRequest
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Configure breaker thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodPut, "/v1/breakers", set)
		},
	}
	setCmd.Flags().StringVar(&set.Service, "service", "", "Service name")
	setCmd.Flags().StringVar(&set.Provider, "provider", "*", "Provider name, * for every provider")
	setCmd.Flags().IntVar(&set.FailureThreshold, "failures", 0, "Consecutive failures that open the breaker")
	setCmd.Flags().StringVar(&set.ResetTimeout, "reset", "", "Time spent open before trial calls")
	setCmd.Flags().IntVar(&set.HalfOpenSuccessThreshold, "half-open-successes", 0, "Trial successes needed to close")
	setCmd.Flags().IntVar(&set.HalfOpenMaxConcurrent, "half-open-max", 0, "Concurrent trial calls allowed while half-open")
	_ = setCmd.MarkFlagRequired("service")

	acquireCmd := &cobra.Command{
		Use:   "acquire SERVICE PROVIDER",
		Short: "Ask the breaker for a call ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodPost, breakerPath(args[0], args[1])+"/acquire", nil)
		},
	}

	var (
		result  admin.BreakerResultRequest
		success bool
		latency time.Duration
	)
	resultCmd := &cobra.Command{
		Use:   "result SERVICE PROVIDER",
		Short: "Report the outcome of a call made under a ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result.Success = &success
			result.LatencyMs = float64(latency) / float64(time.Millisecond)
			return c.call(cmd, http.MethodPost, breakerPath(args[0], args[1])+"/result", result)
		},
	}
	resultCmd.Flags().Uint64Var(&result.Generation, "generation", 0, "Generation from the ticket")
	resultCmd.Flags().BoolVar(&result.Trial, "trial", false, "The ticket was a half-open trial")
	resultCmd.Flags().BoolVar(&success, "success", true, "The call succeeded")
	resultCmd.Flags().DurationVar(&latency, "latency", 0, "Observed call latency")
	_ = resultCmd.MarkFlagRequired("generation")

	cmd.AddCommand(
		setCmd,
		acquireCmd,
		resultCmd,
		override("force-open"),
		override("force-close"),
		override("clear"),
		&cobra.Command{
			Use:   "list",
			Short: "List breaker states",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, http.MethodGet, "/v1/breakers", nil)
			},
		},
		&cobra.Command{
			Use:   "get SERVICE PROVIDER",
			Short: "Show one breaker",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodGet, breakerPath(args[0], args[1]), nil)
			},
		},
	)
	return cmd
}

func breakerPath(service, provider string) string {
	return "/v1/breakers/" + url.PathEscape(service) + "/" + url.PathEscape(provider)
}

func newAdmitCmd(c *client) *cobra.Command {
	var req admin.AdmitRequest
	cmd := &cobra.Command{
		Use:   "admit",
		Short: "Run a live admission check",
		Long:  "admit consumes a token from the caller's bucket, unlike ratelimit test.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodPost, "/v1/admit", req)
		},
	}
	cmd.Flags().StringVar(&req.IdentifierType, "type", "api_key", "Identifier type (ip, user, client, api_key)")
	cmd.Flags().StringVar(&req.Identifier, "id", "", "Identifier value")
	cmd.Flags().StringVar(&req.Scope, "scope", "", "Scope")
	cmd.Flags().StringVar(&req.Service, "service", "", "Service whose traffic the request counts toward")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBudgetCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage cost budgets",
	}

	var set admin.BudgetRequest
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update a budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodPut, "/v1/budgets", set)
		},
	}
	setCmd.Flags().StringVar(&set.Name, "name", "", "Budget name")
	setCmd.Flags().StringVar(&set.Service, "service", "", "Service the budget tracks")
	setCmd.Flags().StringVar(&set.Period, "period", "monthly", "Period (daily, weekly, monthly)")
	setCmd.Flags().StringVar(&set.AmountLimit, "limit", "", "Amount limit as a decimal")
	setCmd.Flags().Float64SliceVar(&set.AlertThresholds, "thresholds", []float64{0.5, 0.8, 1.0}, "Alert thresholds as fractions of the limit")
	_ = setCmd.MarkFlagRequired("name")
	_ = setCmd.MarkFlagRequired("service")
	_ = setCmd.MarkFlagRequired("limit")

	cmd.AddCommand(
		setCmd,
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Deactivate a budget",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodDelete, "/v1/budgets/"+url.PathEscape(args[0]), nil)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show usage against every budget",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, http.MethodGet, "/v1/budgets", nil)
			},
		},
	)
	return cmd
}

func newIncidentCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Declare, escalate and resolve incidents",
	}

	var declare admin.DeclareRequest
	declareCmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare an incident",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodPost, "/v1/incidents", declare)
		},
	}
	declareCmd.Flags().StringVar(&declare.Title, "title", "", "Short title")
	declareCmd.Flags().StringVar(&declare.Description, "description", "", "Description")
	declareCmd.Flags().StringVar(&declare.Severity, "severity", "major", "Severity (critical, major, minor, info)")
	declareCmd.Flags().StringVar(&declare.AffectedService, "service", "", "Affected service")
	declareCmd.Flags().StringToStringVar(&declare.Context, "context", nil, "Extra context as key=value pairs")
	_ = declareCmd.MarkFlagRequired("title")
	_ = declareCmd.MarkFlagRequired("service")

	var resolve admin.ResolveRequest
	resolveCmd := &cobra.Command{
		Use:   "resolve ID",
		Short: "Resolve an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodPost, "/v1/incidents/"+url.PathEscape(args[0])+"/resolve", resolve)
		},
	}
	resolveCmd.Flags().StringVar(&resolve.ResolutionNotes, "notes", "", "Resolution notes")
	resolveCmd.Flags().StringVar(&resolve.RootCause, "root-cause", "", "Root cause")

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/incidents"
			if status != "" {
				path += "?" + url.Values{"status": {status}}.Encode()
			}
			return c.call(cmd, http.MethodGet, path, nil)
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter: all, active or a status name")

	cmd.AddCommand(
		declareCmd,
		resolveCmd,
		listCmd,
		&cobra.Command{
			Use:   "escalate ID",
			Short: "Escalate an incident one level",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodPost, "/v1/incidents/"+url.PathEscape(args[0])+"/escalate", nil)
			},
		},
		&cobra.Command{
			Use:   "get ID",
			Short: "Show one incident",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodGet, "/v1/incidents/"+url.PathEscape(args[0]), nil)
			},
		},
	)
	return cmd
}

func newUsageCmd(c *client) *cobra.Command {
	var req admin.UsageRequest
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Record a cost usage event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodPost, "/v1/usage", req)
		},
	}
	cmd.Flags().StringVar(&req.Service, "service", "", "Service that incurred the cost")
	cmd.Flags().StringVar(&req.CostType, "cost-type", "", "Cost category")
	cmd.Flags().StringVar(&req.Amount, "amount", "", "Amount as a decimal")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newSignalCmd(c *client) *cobra.Command {
	var sample admin.SignalRequest
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Record one golden signal sample",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodPost, "/v1/signals", admin.SignalBatchRequest{
				Samples: []admin.SignalRequest{sample},
			})
		},
	}
	cmd.Flags().StringVar(&sample.Service, "service", "", "Service name")
	cmd.Flags().StringVar(&sample.MetricType, "metric", "latency", "Metric (latency, traffic, errors, saturation)")
	cmd.Flags().Float64Var(&sample.Value, "value", 0, "Sample value")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newSignalsCmd(c *client) *cobra.Command {
	var (
		metric, granularity, source string
		since                       time.Duration
		limit                       int
	)
	cmd := &cobra.Command{
		Use:   "signals SERVICE",
		Short: "Query aggregated signal windows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("metric", metric)
			q.Set("granularity", granularity)
			if since > 0 {
				now := time.Now().UTC()
				q.Set("from", now.Add(-since).Format(time.RFC3339))
				q.Set("to", now.Format(time.RFC3339))
			}
			if source != "" {
				q.Set("source", source)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return c.call(cmd, http.MethodGet, "/v1/signals/"+url.PathEscape(args[0])+"?"+q.Encode(), nil)
		},
	}
	cmd.Flags().StringVar(&metric, "metric", "latency", "Metric type")
	cmd.Flags().StringVar(&granularity, "granularity", "1m", "Window granularity (1m, 5m, 1h, 1d)")
	cmd.Flags().DurationVar(&since, "since", 0, "Look back this far instead of the default hour")
	cmd.Flags().StringVar(&source, "source", "", "Read from memory (default) or store")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum windows when reading from the store")
	return cmd
}

func newHealthCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the system health overview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodGet, "/v1/health", nil)
		},
	}
}

func newReloadCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the policy file now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := c.do(cmd.Context(), http.MethodPost, "/v1/policies/reload", nil)
			if err != nil {
				return fmt.Errorf("reload failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	errwrap "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/observability"
	"github.com/shardline/shardline/internal/output"
	"github.com/shardline/shardline/internal/rest"
)

var (
	requestBody        string
	requestBodyFile    string
	requestCount       int
	requestConcurrency int
	requestBuckets     bool
)

var requestCmd = &cobra.Command{
	Use:   "request METHOD ROUTE",
	Short: "Issue REST requests through the rate limiter",
	Long: `Send one or more REST requests through the admission controller and
print the response bodies.

Repeated requests share one bucket ledger, so --count shows the limiter
spacing requests out once a bucket is exhausted.

Examples:
  shardline request GET /gateway/bot
  shardline request POST /channels/123/messages --body '{"content":"hi"}'
  shardline request GET /users/@me --count 20 --concurrency 5 --show-buckets`,
	Args: cobra.ExactArgs(2),
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(requestCmd)

	requestCmd.Flags().StringVar(&requestBody, "body", "", "JSON request body")
	requestCmd.Flags().StringVar(&requestBodyFile, "body-file", "", "read the JSON request body from a file (- for stdin)")
	requestCmd.Flags().IntVarP(&requestCount, "count", "n", 1, "number of requests to send")
	requestCmd.Flags().IntVar(&requestConcurrency, "concurrency", 1, "requests in flight at once")
	requestCmd.Flags().BoolVar(&requestBuckets, "show-buckets", false, "print the bucket ledger after the requests")
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	method := strings.ToUpper(strings.TrimSpace(args[0]))
	path := strings.TrimSpace(args[1])
	if !strings.HasPrefix(path, "/") {
		return errwrap.NewInvalidInputError("route must start with /")
	}
	if requestCount < 1 || requestConcurrency < 1 {
		return errwrap.NewInvalidInputError("--count and --concurrency must be positive")
	}
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return errwrap.WrapInvalidInput(ctx, err, "invalid output format")
	}

	body, err := requestPayload(cmd.InOrStdin())
	if err != nil {
		return errwrap.WrapInvalidInput(ctx, err, "invalid request body")
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "configuration invalid")
	}
	if cfg.RESTToken() == "" {
		return errwrap.NewConfigInvalidError("a token is required (set rest.token or gateway.token)")
	}

	stack, err := buildRESTStack(ctx, cfg, observability.CLILogger)
	if err != nil {
		return errwrap.WrapInternal(ctx, err, "rest client initialization failed")
	}
	defer func() { _ = stack.Close() }()

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(requestConcurrency)
	for i := 0; i < requestCount; i++ {
		g.Go(func() error {
			resp, err := stack.client.Request(gctx, method, path, body)
			if err != nil {
				return err
			}
			observability.CLILogger.Debug("Request completed",
				zap.Int("n", i+1),
				zap.Int("status", resp.Status),
				zap.String("bucket", resp.Bucket))
			mu.Lock()
			defer mu.Unlock()
			return writeResponse(out, resp, format)
		})
	}
	if err := g.Wait(); err != nil {
		return errwrap.FromDomain(ctx, err)
	}

	if requestBuckets {
		rendered, err := output.NewFormatter(format).FormatBuckets(stack.controller.Ledger().Snapshot())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, rendered)
	}
	return nil
}

func requestPayload(stdin io.Reader) (json.RawMessage, error) {
	if requestBody != "" && requestBodyFile != "" {
		return nil, fmt.Errorf("--body and --body-file are mutually exclusive")
	}
	var raw []byte
	switch {
	case requestBody != "":
		raw = []byte(requestBody)
	case requestBodyFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = data
	case requestBodyFile != "":
		data, err := os.ReadFile(requestBodyFile)
		if err != nil {
			return nil, err
		}
		raw = data
	default:
		return nil, nil
	}
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// writeResponse prints the body; JSON bodies are re-indented unless the
// output is NDJSON-style json.
func writeResponse(w io.Writer, resp *rest.Response, format output.Format) error {
	if len(resp.Body) == 0 {
		_, err := fmt.Fprintf(w, "%d (no content)\n", resp.Status)
		return err
	}
	if format == output.FormatJSON || !json.Valid(resp.Body) {
		_, err := fmt.Fprintln(w, string(bytes.TrimSpace(resp.Body)))
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body, "", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, pretty.String())
	return err
}

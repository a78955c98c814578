package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	errwrap "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/output"
	"github.com/shardline/shardline/internal/server/handlers"
)

var shardsAddr string

var shardsCmd = &cobra.Command{
	Use:   "shards",
	Short: "Show the shards of a running gateway",
	Long: `Query the status server of a running "shardline gateway" process.

Examples:
  shardline shards
  shardline shards --addr http://10.0.0.5:8080 -o json
  shardline shards restart 3`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := output.ParseFormat(outputFormat)
		if err != nil {
			return errwrap.WrapInvalidInput(ctx, err, "invalid output format")
		}
		base, err := statusServerURL(ctx)
		if err != nil {
			return err
		}

		var resp handlers.ShardsResponse
		if err := statusRequest(ctx, http.MethodGet, base+"/shards", &resp); err != nil {
			return err
		}
		rendered, err := output.NewFormatter(format).FormatShards(resp.Shards)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), rendered)
		return nil
	},
}

var shardsRestartCmd = &cobra.Command{
	Use:   "restart SHARD",
	Short: "Restart a shard stopped on a fatal error",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		shard, err := strconv.Atoi(args[0])
		if err != nil || shard < 0 {
			return errwrap.NewInvalidInputError("shard must be a non-negative integer")
		}
		base, err := statusServerURL(ctx)
		if err != nil {
			return err
		}
		if err := statusRequest(ctx, http.MethodPost, fmt.Sprintf("%s/shards/%d/restart", base, shard), nil); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Shard %d restart requested\n", shard)
		return nil
	},
}

func init() {
	shardsCmd.PersistentFlags().StringVar(&shardsAddr, "addr", "", "status server URL (default from server.host and server.port)")
	shardsCmd.AddCommand(shardsRestartCmd)
	rootCmd.AddCommand(shardsCmd)
}

func statusServerURL(ctx context.Context) (string, error) {
	if addr := strings.TrimSpace(shardsAddr); addr != "" {
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		return strings.TrimRight(addr, "/"), nil
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return "", errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "configuration invalid")
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port), nil
}

// statusRequest calls the status API and decodes a success body into out.
// Error bodies are surfaced with their error code.
func statusRequest(ctx context.Context, method, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errwrap.Wrap(ctx, errwrap.CodeServiceUnavailable, err, "status server unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errwrap.HTTPErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("status server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

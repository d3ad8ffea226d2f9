package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/powerplant/internal/network"
	"github.com/danmuck/powerplant/internal/powerplant"
	"github.com/spf13/cobra"
)

type probeOptions struct {
	addr    string
	timeout time.Duration
	token   string
	raw     bool
}

func newProbeCommand() *cobra.Command {
	opts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Query a daemon's status surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return probe(ctx, http.DefaultClient, baseURL(opts.addr), opts.token, cmd.OutOrStdout(), opts.raw)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:7480", "status address of the daemon")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token for a guarded status surface")
	cmd.Flags().BoolVar(&opts.raw, "json", false, "print raw stats JSON")
	return cmd
}

func baseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

type peersResponse struct {
	Peers []network.PeerRecord `json:"peers"`
}

func probe(ctx context.Context, client *http.Client, base, token string, out io.Writer, raw bool) error {
	var stats powerplant.Stats
	body, err := getJSON(ctx, client, base+"/stats", token, &stats)
	if err != nil {
		failure(out, "unreachable: %v\n", err)
		return err
	}
	if raw {
		_, err := out.Write(append(body, '\n'))
		return err
	}
	var peers peersResponse
	if _, err := getJSON(ctx, client, base+"/peers", token, &peers); err != nil {
		return err
	}

	if stats.Phase == powerplant.PhaseRunning {
		success(out, "%s is %s\n", stats.Name, stats.Phase)
	} else {
		warn(out, "%s is %s\n", stats.Name, stats.Phase)
	}
	label(out, "uptime", stats.Uptime)
	label(out, "reactors", strings.Join(stats.Reactors, ", "))
	label(out, "workers", fmt.Sprintf("%d (+%d dedicated)", stats.Pool.Workers, stats.Pool.Dedicated))
	label(out, "tasks", fmt.Sprintf("completed=%d failed=%d dropped=%d queued=%d",
		stats.Pool.Completed, stats.Pool.Failed, stats.Pool.Dropped, stats.Pool.Queued))
	label(out, "emissions", stats.Registry.Dispatched)
	if stats.Failures > 0 {
		warn(out, "%-12s %d\n", "failures", stats.Failures)
	}
	if stats.Network == nil {
		label(out, "network", "disabled")
		return nil
	}
	label(out, "local", stats.Network.Local)
	label(out, "peers", len(peers.Peers))
	for _, p := range peers.Peers {
		fmt.Fprintf(out, "  - %s [%s] interests=%s\n", p.Key.String(), p.StateName, strings.Join(p.Interests, ","))
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, url, token string, v any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return body, fmt.Errorf("decode %s: %w", url, err)
	}
	return body, nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/services/status"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const statusRequestTimeout = 5 * time.Second

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running proxy",
	Long: `Query the status endpoint of a running proxy and print its state,
counters and recent wake attempts.

The endpoint is taken from --url, or from status.listen in the config file.`,
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "status endpoint base URL (default from config, else http://127.0.0.1:8080)")
}

func showStatus(cmd *cobra.Command, args []string) error {
	base := statusURL
	if base == "" {
		base = "http://127.0.0.1:8080"
		if configFile != "" {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			base = baseURL(cfg.Status.Listen)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusRequestTimeout)
	defer cancel()

	resp, err := fetchStatus(ctx, http.DefaultClient, base)
	if err != nil {
		return err
	}
	return printStatus(os.Stdout, resp)
}

// baseURL turns a listen address into a URL reachable from this host.
func baseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func fetchStatus(ctx context.Context, client *http.Client, base string) (*status.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", base, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	var resp status.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("invalid response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode != http.StatusOK && resp.Message == "" {
		return nil, fmt.Errorf("status endpoint returned HTTP %d", httpResp.StatusCode)
	}
	return &resp, nil
}

func printStatus(w io.Writer, resp *status.Response) error {
	if resp.Proxy == nil {
		_, err := fmt.Fprintf(w, "Proxy %s: %s\n", resp.Status, resp.Message)
		return err
	}

	snap := resp.Proxy
	fmt.Fprintf(w, "State: %s (since %s)\n", snap.State, snap.StateSince.Format(time.RFC3339))
	fmt.Fprintf(w, "Target: %s (identity held: %v)\n", snap.TargetIP, snap.IdentityHeld)
	fmt.Fprintf(w, "Active Satisfactory peers: %d\n", snap.SatisfactoryPeers)
	fmt.Fprintf(w, "Started: %s\n\n", snap.StartedAt.Format(time.RFC3339))

	s := snap.Statistics
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Counter", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, row := range []struct {
		name  string
		value uint64
	}{
		{"Wake attempts", s.WakeAttempts},
		{"Wake cycles", s.WakeCycles},
		{"Successful wakes", s.SuccessfulWakes},
		{"Failed wakes", s.FailedWakes},
		{"Server lost", s.ServerLost},
		{"State transitions", s.StateTransitions},
		{"Minecraft connections", s.MinecraftConnections},
		{"Satisfactory connections", s.SatisfactoryConnections},
		{"Status queries", s.StatusQueries},
		{"Join attempts", s.JoinAttempts},
		{"Identity errors", s.IdentityErrors},
		{"Dropped events", s.DroppedEvents},
	} {
		tw.Append([]string{row.name, strconv.FormatUint(row.value, 10)})
	}
	tw.Render()

	if len(snap.RecentWakes) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw = tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Time", "Destination", "Result"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, rec := range snap.RecentWakes {
		result := "sent"
		if !rec.Success {
			result = "failed: " + rec.Error
		}
		tw.Append([]string{rec.Timestamp.Format(time.RFC3339), rec.Destination, result})
	}
	tw.Render()
	return nil
}

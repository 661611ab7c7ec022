package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
)

// Client subcommands talk to a running daemon over its HTTP API.

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().Get(apiURL("/status"))
			if err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			defer resp.Body.Close()

			var snap domain.HealthSnapshot
			if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}
			printSnapshot(&snap)
			return nil
		},
	}
}

func newRetrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrain [strategy]",
		Short: "Force a retrain for one strategy, or all when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategyID := ""
			if len(args) == 1 {
				strategyID = args[0]
			}
			return sendCommand(domain.CmdForceRetrain, strategyID)
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause monitoring (records keep queueing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(domain.CmdPause, "")
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume monitoring and reactivate degraded strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(domain.CmdResume, "")
		},
	}
}

func sendCommand(kind domain.CommandKind, strategyID string) error {
	body, err := json.Marshal(map[string]string{
		"action":      string(kind),
		"strategy_id": strategyID,
	})
	if err != nil {
		return err
	}

	resp, err := apiClient().Post(apiURL("/command"), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	var res domain.CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if !res.Accepted {
		return fmt.Errorf("command rejected: %s", res.Reason)
	}
	fmt.Println("accepted")
	if res.Reason != "" {
		fmt.Printf("note: %s\n", res.Reason)
	}
	return nil
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

func apiURL(path string) string {
	addr := flagAddr
	if addr == "" {
		addr = os.Getenv("TW_API_ADDR")
	}
	if addr == "" {
		addr = config.Default().API.Addr
	}
	return "http://" + addr + path
}

func printSnapshot(snap *domain.HealthSnapshot) {
	fmt.Printf("state:       %s\n", snap.State)
	fmt.Printf("health:      %.1f/100\n", snap.OverallScore)
	fmt.Printf("monitoring:  %v\n", snap.MonitoringEnabled)
	fmt.Printf("anomalies:   %d open\n", snap.OpenAnomalies)
	if !snap.LastRetrain.IsZero() {
		fmt.Printf("last retrain: %s\n", snap.LastRetrain.Format(time.RFC3339))
	}
	if len(snap.TopPerformers) > 0 {
		fmt.Printf("top:         %s\n", strings.Join(snap.TopPerformers, ", "))
	}
	if len(snap.Underperformers) > 0 {
		fmt.Printf("lagging:     %s\n", strings.Join(snap.Underperformers, ", "))
	}

	if len(snap.Strategies) == 0 {
		return
	}
	ids := make([]string, 0, len(snap.Strategies))
	for id := range snap.Strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println("\nstrategies:")
	for _, id := range ids {
		s := snap.Strategies[id]
		fmt.Printf("  %-20s %8s  score=%5.1f  weight=%.3f  sharpe=%+.2f  trades=%d\n",
			id, s.Status, s.Score, s.Weight, s.Sharpe, s.Trades)
	}
}

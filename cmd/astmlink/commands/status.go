package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/openlis/astmlink/internal/api"
	"github.com/openlis/astmlink/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running astmlink service",
	Long: `Query the admin endpoint of a running astmlink service and print a
per-instrument connection summary.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if !cfg.API.Enabled {
		return fmt.Errorf("the admin endpoint is disabled in configuration")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost" + cfg.API.Listen + "/status")
	if err != nil {
		return fmt.Errorf("astmlink does not appear to be running: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var instruments []api.InstrumentStatus
	if err := json.Unmarshal(body, &instruments); err != nil {
		return fmt.Errorf("unexpected status response: %w", err)
	}

	for _, inst := range instruments {
		fmt.Printf("%s (port %d): %d connection(s)\n", inst.Name, inst.Port, len(inst.Connections))
		for _, conn := range inst.Connections {
			fmt.Printf("  %-21s %-15s busy=%-5t connected=%s\n",
				conn.RemoteAddress, conn.LinkState, conn.Busy,
				conn.ConnectedAt.Format(time.RFC3339))
			if conn.KeepAlive.Enabled {
				fmt.Printf("    keep-alive every %s, last sent %s, last received %s\n",
					conn.KeepAlive.Interval,
					formatTime(conn.KeepAlive.LastSent),
					formatTime(conn.KeepAlive.LastReceived))
			}
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

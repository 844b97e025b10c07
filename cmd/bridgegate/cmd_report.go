package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridgegate/bridgegate/internal/bootstrap"
	"github.com/bridgegate/bridgegate/internal/collab"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Publish the gateway's bootstrap state to the configured collaborators",
	Long: `Build a JSON report of the gateway's bootstrap stage and service
state, upload it to the report bucket, and post a summary to the chat
webhook. Collaborators come from the [collab] config section; each one
is skipped when unconfigured.`,
	RunE: runReport,
}

// report is the JSON document uploaded to the report bucket.
type report struct {
	Host        string    `json:"host"`
	Stage       string    `json:"stage"`
	Unit        string    `json:"unit"`
	UnitState   string    `json:"unit_state"`
	GeneratedAt time.Time `json:"generated_at"`
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	clients, err := collab.NewClients(ctx, cfg.Collab, globalLogger)
	if err != nil {
		return err
	}
	if clients.Reports == nil && clients.Notifier == nil {
		return fmt.Errorf("no collaborators configured: set report_bucket or webhook_url in the [collab] section")
	}

	deps, err := bootstrap.DefaultDeps(cfg, globalLogger)
	if err != nil {
		return err
	}
	orch := bootstrap.New(cfg, deps, globalLogger)

	stage, err := orch.Stage()
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	rep := report{
		Host:        hostname,
		Stage:       string(stage),
		Unit:        cfg.Service.Unit,
		UnitState:   "unknown",
		GeneratedAt: time.Now().UTC(),
	}
	if state, err := deps.Service.Status(ctx, cfg.Service.Unit); err == nil {
		rep.UnitState = string(state)
	}

	if clients.Reports != nil {
		body, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%s/%s.json", hostname, rep.GeneratedAt.Format("20060102T150405Z"))
		key, err := clients.Reports.Put(ctx, name, body)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Report uploaded: %s\n", key)
	}

	if clients.Notifier != nil {
		title := fmt.Sprintf("bridgegate %s: %s", hostname, rep.Stage)
		text := fmt.Sprintf("Unit %s is %s. Last completed stage: %s.", rep.Unit, rep.UnitState, rep.Stage)
		if err := clients.Notifier.Notify(ctx, title, text); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Notification sent.")
	}

	return nil
}

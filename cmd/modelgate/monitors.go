package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/monitor"
)

// Monitor command flags
var (
	monitorUsername string
	monitorQuery    string
	monitorCadence  string
	monitorID       string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Manage standing monitor queries",
	Long:  `Create monitors on the upstream monitor service and inspect received event groups.`,
}

var monitorCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a monitor for a user",
	RunE:  runMonitorCreate,
}

var monitorRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an existing monitor id to a user",
	RunE:  runMonitorRegister,
}

var monitorEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List all received event groups",
	RunE:  runMonitorEvents,
}

func init() {
	monitorCreateCmd.Flags().StringVarP(&monitorUsername, "username", "u", "", "Owner of the monitor (required)")
	monitorCreateCmd.Flags().StringVarP(&monitorQuery, "query", "q", "", "Standing query text (required)")
	monitorCreateCmd.Flags().StringVar(&monitorCadence, "cadence", "daily", "Check cadence: hourly, daily, weekly")
	_ = monitorCreateCmd.MarkFlagRequired("username")
	_ = monitorCreateCmd.MarkFlagRequired("query")

	monitorRegisterCmd.Flags().StringVarP(&monitorUsername, "username", "u", "", "Owner of the monitor (required)")
	monitorRegisterCmd.Flags().StringVar(&monitorID, "id", "", "Monitor id from the upstream service (required)")
	_ = monitorRegisterCmd.MarkFlagRequired("username")
	_ = monitorRegisterCmd.MarkFlagRequired("id")

	monitorCmd.AddCommand(monitorCreateCmd)
	monitorCmd.AddCommand(monitorRegisterCmd)
	monitorCmd.AddCommand(monitorEventsCmd)
}

// newBridge builds a monitor bridge backed by the configured database for
// an admin command.
func newBridge() (*monitor.Bridge, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	db, err := openDatabase()
	if err != nil {
		return nil, nil, err
	}

	bridge := monitor.NewBridge(db, db, monitor.Config{
		BaseURL:    cfg.MonitorAPIBaseURL,
		APIKey:     cfg.MonitorAPIKey,
		WebhookURL: cfg.WebhookURL,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}, zap.NewNop())

	return bridge, func() { _ = db.Close() }, nil
}

func runMonitorCreate(cmd *cobra.Command, args []string) error {
	bridge, closeDB, err := newBridge()
	if err != nil {
		return err
	}
	defer closeDB()

	created, err := bridge.CreateMonitor(context.Background(), monitorUsername, monitorQuery, monitorCadence)
	if err != nil {
		return err
	}

	fmt.Printf("Monitor created for %s:\n%s\n", monitorUsername, created.MonitorID)
	return nil
}

func runMonitorRegister(cmd *cobra.Command, args []string) error {
	bridge, closeDB, err := newBridge()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := bridge.RegisterMonitor(context.Background(), monitorUsername, monitorID); err != nil {
		return err
	}

	fmt.Printf("Monitor %s registered to %s.\n", monitorID, monitorUsername)
	return nil
}

func runMonitorEvents(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	groups, err := db.ListEventGroups(context.Background())
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("No event groups found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MONITOR\tEVENT GROUP\tUSERNAME\tRECEIVED\tPROCESSED")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			g.MonitorID, g.EventGroupID, g.Username,
			g.ReceivedAt.Format(time.RFC3339), g.Processed)
	}
	return w.Flush()
}

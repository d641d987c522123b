package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/database"
)

// Token command flags
var (
	tokenUsername  string
	tokenValue     string
	tokenValidDays int
	tokenRateLimit int
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage access tokens",
	Long:  `Create, list, and revoke the bearer tokens that grant gateway access.`,
}

var tokenAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a new access token",
	RunE:  runTokenAdd,
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all access tokens",
	RunE:  runTokenList,
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete <token>",
	Short: "Revoke an access token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenDelete,
}

func init() {
	tokenAddCmd.Flags().StringVarP(&tokenUsername, "username", "u", "", "Owner of the token (required)")
	tokenAddCmd.Flags().StringVar(&tokenValue, "token", "", "Token value (generated when empty)")
	tokenAddCmd.Flags().IntVar(&tokenValidDays, "days", 30, "Validity in days from now")
	tokenAddCmd.Flags().IntVar(&tokenRateLimit, "limit", 100, "Daily request limit")
	_ = tokenAddCmd.MarkFlagRequired("username")

	tokenCmd.AddCommand(tokenAddCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenDeleteCmd)
}

// openDatabase opens the configured credential database for an admin command.
func openDatabase() (*database.DB, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	db, err := database.New(database.Config{
		Path:            cfg.DatabasePath,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func runTokenAdd(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	value := tokenValue
	if value == "" {
		value = uuid.NewString()
	}

	expiry := time.Now().AddDate(0, 0, tokenValidDays).Format(auth.ExpiryLayout)
	cred := auth.Credential{
		Token:          value,
		Username:       tokenUsername,
		Expiry:         expiry,
		DailyRateLimit: tokenRateLimit,
		CreatedAt:      time.Now(),
	}

	if err := db.InsertCredential(context.Background(), cred); err != nil {
		return err
	}

	fmt.Printf("Token created for %s (expires %s, %d requests/day):\n%s\n",
		tokenUsername, expiry, tokenRateLimit, value)
	return nil
}

func runTokenList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	creds, err := db.ListCredentials(context.Background())
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		fmt.Println("No tokens found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tUSERNAME\tEXPIRY\tTODAY\tLIMIT\tLIFETIME")
	for _, c := range creds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			obfuscate(c.Token), c.Username, c.Expiry,
			c.DailyRequestCount, c.DailyRateLimit, c.LifetimeRequestCount)
	}
	return w.Flush()
}

func runTokenDelete(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	if err := db.DeleteCredential(context.Background(), args[0]); err != nil {
		return err
	}

	fmt.Println("Token deleted.")
	return nil
}

// obfuscate shortens a token for display, keeping enough to identify it.
func obfuscate(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:4] + "..." + token[len(token)-4:]
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatrelay/internal/domain"
)

var (
	presenceURL    string
	presenceFormat string
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "List active identities on a running relay",
	Long: `Fetch the presence list from a running relay and print it.

Examples:
  relay presence
  relay presence --url http://relay.internal:3001 --format json

Output formats:
  table - Human-readable table format (default)
  json  - The relay's JSON response`,
	RunE: runPresence,
}

func init() {
	presenceCmd.Flags().StringVar(&presenceURL, "url", "http://localhost:3001", "base URL of the relay")
	presenceCmd.Flags().StringVarP(&presenceFormat, "format", "f", "table", "output format (table, json)")
	rootCmd.AddCommand(presenceCmd)
}

func runPresence(cmd *cobra.Command, args []string) error {
	if presenceFormat != "table" && presenceFormat != "json" {
		return fmt.Errorf("invalid format %q, valid formats: table, json", presenceFormat)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(presenceURL, "/") + "/presence")
	if err != nil {
		return fmt.Errorf("fetch presence: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch presence: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read presence: %w", err)
	}

	if presenceFormat == "json" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return err
	}

	var entries []domain.PresenceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return fmt.Errorf("decode presence: %w", err)
	}
	return printPresence(cmd.OutOrStdout(), entries, time.Now())
}

func printPresence(out io.Writer, entries []domain.PresenceEntry, now time.Time) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "No active identities.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tNAME\tLAST SEEN")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s ago\n", e.Identity, e.DisplayName, now.Sub(e.LastSeen).Truncate(time.Second))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\nTotal: %d\n", len(entries))
	return err
}

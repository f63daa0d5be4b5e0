package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var qrOut string

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage sessions on a running daemon",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and print its id",
	Args:  cobra.NoArgs,
	RunE:  runSessionsCreate,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and tear down its chat connection",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsQRCmd = &cobra.Command{
	Use:   "qr <id>",
	Short: "Show the pairing QR code of a session",
	Long: `Show the pairing QR code of a session waiting in qr_ready.
The code is drawn in the terminal, or written as PNG with --out.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsQR,
}

func init() {
	sessionsQRCmd.Flags().StringVarP(&qrOut, "out", "o", "", "write the QR code PNG to this file")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsQRCmd)
	rootCmd.AddCommand(sessionsCmd)
}

type sessionRow struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	WebhookCount int       `json:"webhookCount"`
}

func sessionsClient(cmd *cobra.Command) (*apiClient, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(commandContext(cmd), 30*time.Second)
	return newAPIClient(cfg), ctx, cancel, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	client, ctx, cancel, err := sessionsClient(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	var rows []sessionRow
	if err := client.do(ctx, http.MethodGet, "/api/sessions", nil, &rows); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tWEBHOOKS\tCREATED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.ID, r.Status, r.WebhookCount, r.CreatedAt.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}

func runSessionsCreate(cmd *cobra.Command, args []string) error {
	client, ctx, cancel, err := sessionsClient(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := client.do(ctx, http.MethodPost, "/api/sessions", nil, &created); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", created.ID, created.Status)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	client, ctx, cancel, err := sessionsClient(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	if err := client.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
	return nil
}

func runSessionsQR(cmd *cobra.Command, args []string) error {
	client, ctx, cancel, err := sessionsClient(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	id := url.PathEscape(args[0])
	if qrOut != "" {
		png, contentType, err := client.raw(ctx, http.MethodGet, "/api/sessions/"+id+"/qr", nil)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(contentType, "image/png") {
			return fmt.Errorf("unexpected content type %q", contentType)
		}
		if err := os.WriteFile(qrOut, png, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", qrOut, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "QR code written to %s\n", qrOut)
		return nil
	}

	var detail struct {
		Status string `json:"status"`
		QR     string `json:"qr"`
	}
	if err := client.do(ctx, http.MethodGet, "/api/sessions/"+id, nil, &detail); err != nil {
		return err
	}
	if detail.QR == "" {
		return fmt.Errorf("session has no pairing code (status %s)", detail.Status)
	}

	code, err := qrcode.New(detail.QR, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to render QR code: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), code.ToSmallString(false))
	return nil
}

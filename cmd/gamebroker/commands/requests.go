package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/panelbroker/gamebroker/pkg/broker"
	"github.com/panelbroker/gamebroker/pkg/db"
	"github.com/panelbroker/gamebroker/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	submitUserID         int64
	submitUsername       string
	submitMessageID      string
	submitAdminMessageID string
	submitThreadID       string

	pendingUserID int64
)

var submitCmd = &cobra.Command{
	Use:   "submit <game>",
	Short: "Submit a game server request",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending requests, oldest first",
	RunE:  runPending,
}

var showCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show one request",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var correlateCmd = &cobra.Command{
	Use:   "correlate <request-id>",
	Short: "Attach front end message handles to a request",
	Args:  cobra.ExactArgs(1),
	RunE:  runCorrelate,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(correlateCmd)

	submitCmd.Flags().Int64Var(&submitUserID, "user-id", 0, "Requester chat user ID")
	submitCmd.Flags().StringVar(&submitUsername, "username", "", "Requester display name")
	submitCmd.MarkFlagRequired("user-id")
	submitCmd.MarkFlagRequired("username")

	pendingCmd.Flags().Int64Var(&pendingUserID, "user-id", 0, "Only show requests of this requester")

	for _, c := range []*cobra.Command{submitCmd, correlateCmd} {
		c.Flags().StringVar(&submitMessageID, "message-id", "", "Requester-facing message ID")
		c.Flags().StringVar(&submitAdminMessageID, "admin-message-id", "", "Admin-facing message ID")
		c.Flags().StringVar(&submitThreadID, "thread-id", "", "Discussion thread ID")
	}
}

func correlationFlags() db.Correlation {
	return db.Correlation{
		MessageID:      submitMessageID,
		AdminMessageID: submitAdminMessageID,
		ThreadID:       submitThreadID,
	}
}

func parseRequestID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: request id must be a positive integer, got %q", errors.ErrInvalidInput, arg)
	}
	return id, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := a.orchestrator.Submit(ctx, broker.SubmitParams{
		RequesterID: submitUserID,
		Username:    submitUsername,
		Game:        args[0],
		Correlation: correlationFlags(),
	})
	if err != nil {
		return explain(err)
	}

	fmt.Printf("✓ Request #%d submitted for %s (status: %s)\n", req.ID, req.GameName, req.Status)
	return nil
}

func runPending(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	var requests []*db.Request
	if pendingUserID != 0 {
		requests, err = a.orchestrator.ListPendingForUser(ctx, pendingUserID)
	} else {
		requests, err = a.orchestrator.ListPending(ctx)
	}
	if err != nil {
		return explain(err)
	}

	if len(requests) == 0 {
		fmt.Println("No pending requests")
		return nil
	}

	fmt.Printf("%-6s %-20s %-24s %-12s %-20s\n", "ID", "USER ID", "USERNAME", "GAME", "REQUESTED")
	fmt.Println("--------------------------------------------------------------------------------------")
	for _, r := range requests {
		fmt.Printf("%-6d %-20d %-24s %-12s %-20s\n", r.ID, r.UserID, r.Username, r.GameName, formatTime(&r.RequestedAt))
	}
	fmt.Printf("\nTotal: %d pending\n", len(requests))

	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := parseRequestID(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.orchestrator.GetRequest(ctx, id)
	if err != nil {
		return explain(err)
	}

	processedBy := "-"
	if r.ProcessedBy != nil {
		processedBy = strconv.FormatInt(*r.ProcessedBy, 10)
	}

	fmt.Printf("Request #%d\n", r.ID)
	fmt.Printf("  Requester:     %s (%d)\n", r.Username, r.UserID)
	fmt.Printf("  Game:          %s\n", r.GameName)
	fmt.Printf("  Status:        %s\n", r.Status)
	fmt.Printf("  Requested at:  %s\n", formatTime(&r.RequestedAt))
	fmt.Printf("  Processed at:  %s\n", formatTime(r.ProcessedAt))
	fmt.Printf("  Processed by:  %s\n", processedBy)
	fmt.Printf("  Notes:         %s\n", orDash(r.Notes))
	fmt.Printf("  Panel user:    %s\n", orDash(r.AccountHandle))
	fmt.Printf("  Instance:      %s\n", orDash(r.InstanceID))
	fmt.Printf("  Message:       %s\n", orDash(r.Correlation.MessageID))
	fmt.Printf("  Admin message: %s\n", orDash(r.Correlation.AdminMessageID))
	fmt.Printf("  Thread:        %s\n", orDash(r.Correlation.ThreadID))

	return nil
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := parseRequestID(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orchestrator.UpdateCorrelation(ctx, id, correlationFlags()); err != nil {
		return explain(err)
	}

	fmt.Printf("✓ Request #%d updated\n", id)
	return nil
}

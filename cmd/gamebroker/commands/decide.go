package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/panelbroker/gamebroker/pkg/broker"
	"github.com/panelbroker/gamebroker/pkg/panel"
	"github.com/spf13/cobra"
)

var (
	adminID      int64
	rejectReason string
	cancelUserID int64
)

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a request and provision it on the panel",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a request",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a request on behalf of its requester",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var actionCmd = &cobra.Command{
	Use:   "action <custom-id>",
	Short: "Apply a front end button action such as approve_request_12",
	Args:  cobra.ExactArgs(1),
	RunE:  runAction,
}

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(actionCmd)

	for _, c := range []*cobra.Command{approveCmd, rejectCmd, actionCmd} {
		c.Flags().Int64Var(&adminID, "admin-id", 0, "Deciding admin chat user ID")
		c.MarkFlagRequired("admin-id")
	}
	for _, c := range []*cobra.Command{rejectCmd, actionCmd} {
		c.Flags().StringVar(&rejectReason, "reason", "", "Rejection reason shown to the requester")
	}

	cancelCmd.Flags().Int64Var(&cancelUserID, "user-id", 0, "Requester chat user ID")
	cancelCmd.MarkFlagRequired("user-id")
}

func runApprove(cmd *cobra.Command, args []string) error {
	id, err := parseRequestID(args[0])
	if err != nil {
		return err
	}
	return execute(broker.ApproveCommand{Request: id, AdminID: adminID})
}

func runReject(cmd *cobra.Command, args []string) error {
	id, err := parseRequestID(args[0])
	if err != nil {
		return err
	}
	return execute(broker.RejectCommand{Request: id, AdminID: adminID, Reason: rejectReason})
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := parseRequestID(args[0])
	if err != nil {
		return err
	}
	return execute(broker.CancelCommand{Request: id, RequesterID: cancelUserID})
}

func runAction(cmd *cobra.Command, args []string) error {
	command, err := broker.ParseAction(args[0], adminID, rejectReason)
	if err != nil {
		return err
	}
	return execute(command)
}

// execute opens the app (with the panel only for approvals) and runs command.
func execute(command broker.Command) error {
	ctx := context.Background()

	mode := storeOnly
	if _, approving := command.(broker.ApproveCommand); approving {
		mode = withPanel
	}
	a, err := openApp(ctx, mode)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.orchestrator.Execute(ctx, command)
	if result != nil && result.Approval != nil {
		printApproval(os.Stdout, command.RequestID(), result.Approval)
	}
	if err != nil {
		return explain(err)
	}
	if result.Approval != nil {
		return nil
	}

	r := result.Request
	fmt.Printf("✓ Request #%d %s", r.ID, r.Status)
	if r.Notes != "" {
		fmt.Printf(" (%s)", r.Notes)
	}
	fmt.Println()
	return nil
}

func printApproval(w io.Writer, requestID int64, res *broker.ApprovalResult) {
	switch {
	case res.Request == nil:
		fmt.Fprintf(w, "⚠️  Request #%d was provisioned but the approval could not be saved; it stays claimed until the claim expires\n", requestID)
	case res.Partial():
		fmt.Fprintf(w, "⚠️  Request #%d approved, but the instance deployment failed: %v\n", requestID, res.DeployErr)
	default:
		fmt.Fprintf(w, "✓ Request #%d approved\n", requestID)
	}

	if res.Account != nil {
		fmt.Fprintf(w, "  Panel user:  %s\n", res.Account.Handle)
		fmt.Fprintf(w, "  Password:    %s\n", passwordLine(res.Account))
	}
	if res.Instance != nil {
		fmt.Fprintf(w, "  Instance:    %s (%s)\n", res.Instance.Name, res.Instance.Status)
	}
	fmt.Fprintf(w, "  Panel:       %s\n", orDash(res.PanelURL))
}

// passwordLine describes the account password for the operator. The secret
// is shown once and never stored.
func passwordLine(account *panel.Account) string {
	switch {
	case !account.Redacted():
		return account.Secret
	case account.Origin == panel.OriginCreated:
		return "(account created but its password could not be set; reset it on the panel)"
	case account.Origin == panel.OriginPresumed:
		return "(creation timed out and was presumed to succeed; check the account on the panel and reset its password)"
	default:
		return "(existing account, unchanged)"
	}
}

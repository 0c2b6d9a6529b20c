package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/coi-workflow/internal/bootstrap"
	"github.com/noah-isme/coi-workflow/internal/dto"
	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/service"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
)

var requestsCmd = &cobra.Command{
	Use:     "requests",
	Aliases: []string{"req"},
	Short:   "Inspect COI requests",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests, newest first",
	Long: `List requests, newest first.

Examples:
  coictl requests list --state awaiting_approval
  coictl requests list --state issuance_failed,approval_failed --limit 50 --json`,
	RunE: runRequestsList,
}

var requestsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show one request with its transition history",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequestsShow,
}

func init() {
	requestsListCmd.Flags().StringSlice("state", nil, "Filter by state (comma separated or repeated)")
	requestsListCmd.Flags().Int("page", 1, "Page number")
	requestsListCmd.Flags().Int("limit", 20, "Page size")

	requestsCmd.AddCommand(requestsListCmd, requestsShowCmd)
	rootCmd.AddCommand(requestsCmd)
}

func openRequests() (*service.RequestService, *bootstrap.Store, error) {
	store, err := bootstrap.OpenStore(rootCtx, cfg, log, false)
	if err != nil {
		return nil, nil, err
	}
	return service.NewRequestService(store.Requests, store.Events, log), store, nil
}

func runRequestsList(cmd *cobra.Command, args []string) error {
	states, _ := cmd.Flags().GetStringSlice("state")
	page, _ := cmd.Flags().GetInt("page")
	limit, _ := cmd.Flags().GetInt("limit")

	requests, store, err := openRequests()
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	query := dto.RequestQuery{Page: page, PageSize: limit}
	for _, s := range states {
		query.States = append(query.States, models.RequestState(strings.ToLower(strings.TrimSpace(s))))
	}
	items, pagination, err := requests.List(rootCtx, query)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(map[string]interface{}{"items": items, "pagination": pagination})
	}

	if len(items) == 0 {
		fmt.Println("No requests found")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tHOLDER\tSUBJECT\tUPDATED")
	for _, req := range items {
		holder := "-"
		if req.HolderDetails != nil && req.HolderDetails.HolderName != "" {
			holder = req.HolderDetails.HolderName
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", req.ID, req.State, holder, truncate(req.Message.Subject, 40), req.UpdatedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\npage %d, %d of %d\n", pagination.Page, len(items), pagination.TotalCount)
	return nil
}

func runRequestsShow(cmd *cobra.Command, args []string) error {
	requests, store, err := openRequests()
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	req, err := requests.Get(rootCtx, args[0])
	if appErrors.HasCode(err, appErrors.ErrNotFound) {
		return fmt.Errorf("no request with id %s", args[0])
	}
	if err != nil {
		return err
	}
	events, err := requests.Events(rootCtx, req.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(map[string]interface{}{"request": req, "events": events})
	}

	fmt.Printf("Request  %s\n", req.ID)
	fmt.Printf("State    %s (version %d)\n", req.State, req.Version)
	fmt.Printf("Message  %s from %s\n", req.Message.Subject, req.Message.From)
	if d := req.HolderDetails; d != nil {
		fmt.Printf("Insured  %s\n", d.InsuredName)
		fmt.Printf("Holder   %s, %s %s\n", d.HolderName, d.HolderAddr1, d.HolderAddr2)
	}
	if req.Decision != nil {
		fmt.Printf("Decision %s by %s\n", req.Decision.Outcome, req.Decision.Actor)
	}
	if req.IssuanceResult != nil {
		fmt.Printf("Sent     %s to %s\n", req.IssuanceResult.ConfirmationID, req.IssuanceResult.Recipient)
	}
	if req.FailureReason != nil {
		fmt.Printf("Failure  %s\n", *req.FailureReason)
	}

	fmt.Println("\nHistory:")
	for _, ev := range events {
		fmt.Printf("  %s  %s -> %s  %s\n", ev.CreatedAt.Format(time.RFC3339), ev.FromState, ev.ToState, ev.Actor)
	}
	return nil
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/forensictl/correlate/pkg/query"
	"github.com/forensictl/correlate/pkg/store"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query a previously written Result Store.",
	}

	cmd.AddCommand(newQueryListCmd(), newQueryGetCmd(), newQueryAggregatesCmd())
	return cmd
}

func newQueryListCmd() *cobra.Command {
	var (
		storeLocation   string
		runID           string
		format          string
		identityType    string
		valueContains   string
		confidenceFloor float64
		timeStart       string
		timeEnd         string
		page            int
		pageSize        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities, optionally filtered by type, value, confidence, or time range.",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQuery(cmd, storeLocation, runID)
			if err != nil {
				return err
			}
			defer closeFn()

			filter := query.Filter{
				IdentityType:    identityType,
				ValueSubstring:  valueContains,
				ConfidenceFloor: confidenceFloor,
			}
			if timeStart != "" {
				t, err := time.Parse(time.RFC3339, timeStart)
				if err != nil {
					return fmt.Errorf("invalid --time-start: %w", err)
				}
				filter.TimeRangeStart = &t
			}
			if timeEnd != "" {
				t, err := time.Parse(time.RFC3339, timeEnd)
				if err != nil {
					return fmt.Errorf("invalid --time-end: %w", err)
				}
				filter.TimeRangeEnd = &t
			}

			views, pageResult, err := q.QueryIdentities(cmd.Context(), filter, query.Page{Page: page, PageSize: pageSize})
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			if format == "json" {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"identities": views,
					"page":       pageResult,
				})
			}
			renderIdentitiesTable(views, pageResult)
			return nil
		},
	}

	cmd.Flags().StringVar(&storeLocation, "store", "", "result store location (file:// or postgres://)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run to query")
	cmd.Flags().StringVar(&format, "format", "table", "output format: table, json")
	cmd.Flags().StringVar(&identityType, "identity-type", "", "filter by identity type: hash, path, name, composite")
	cmd.Flags().StringVar(&valueContains, "value-contains", "", "filter by substring of identity value")
	cmd.Flags().Float64Var(&confidenceFloor, "confidence-floor", 0, "minimum identity confidence")
	cmd.Flags().StringVar(&timeStart, "time-start", "", "RFC3339 start of the anchor time-range filter")
	cmd.Flags().StringVar(&timeEnd, "time-end", "", "RFC3339 end of the anchor time-range filter")
	cmd.Flags().IntVar(&page, "page", 1, "page number, 1-indexed")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "identities per page")
	cmd.MarkFlagRequired("store")
	cmd.MarkFlagRequired("run-id")

	return cmd
}

func newQueryGetCmd() *cobra.Command {
	var (
		storeLocation string
		runID         string
		format        string
	)

	cmd := &cobra.Command{
		Use:   "get <identity-id>",
		Short: "Fetch one identity with its full anchor and evidence tree.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQuery(cmd, storeLocation, runID)
			if err != nil {
				return err
			}
			defer closeFn()

			view, err := q.GetIdentity(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			if format == "json" {
				return json.NewEncoder(os.Stdout).Encode(view)
			}
			renderIdentitiesTable([]query.IdentityView{*view}, query.PageResult{TotalCount: 1})
			return nil
		},
	}

	cmd.Flags().StringVar(&storeLocation, "store", "", "result store location (file:// or postgres://)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run to query")
	cmd.Flags().StringVar(&format, "format", "table", "output format: table, json")
	cmd.MarkFlagRequired("store")
	cmd.MarkFlagRequired("run-id")

	return cmd
}

func newQueryAggregatesCmd() *cobra.Command {
	var (
		storeLocation string
		runID         string
	)

	cmd := &cobra.Command{
		Use:   "aggregates",
		Short: "Print per-artifact, per-role, and per-identity-type counts for a run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQuery(cmd, storeLocation, runID)
			if err != nil {
				return err
			}
			defer closeFn()

			agg, err := q.Aggregates(cmd.Context())
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(agg)
		},
	}

	cmd.Flags().StringVar(&storeLocation, "store", "", "result store location (file:// or postgres://)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run to query")
	cmd.MarkFlagRequired("store")
	cmd.MarkFlagRequired("run-id")

	return cmd
}

func openQuery(cmd *cobra.Command, storeLocation, runID string) (*query.Interface, func(), error) {
	verboseFlag, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	formatFlag, _ := cmd.Root().PersistentFlags().GetString("log-format")
	log := newLogger(verboseFlag, formatFlag)

	ctx := context.Background()
	s, err := store.Open(ctx, log, storeLocation)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open result store: %w", err)
	}
	return query.New(s, runID), func() { s.Close() }, nil
}

func renderIdentitiesTable(views []query.IdentityView, page query.PageResult) {
	t := tablewriter.NewWriter(os.Stdout)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetHeader([]string{"Identity ID", "Type", "Value", "Display Name", "Anchors", "Confidence"})

	for _, v := range views {
		t.Append([]string{
			v.IdentityID,
			v.IdentityType,
			v.IdentityValue,
			v.PrimaryDisplayName,
			fmt.Sprintf("%d", len(v.Anchors)),
			fmt.Sprintf("%.2f", v.Confidence),
		})
	}
	t.Render()

	if page.TotalCount > 0 {
		fmt.Printf("page %d/%d, %d total\n", page.Page, max(page.TotalPages, 1), page.TotalCount)
	}
}

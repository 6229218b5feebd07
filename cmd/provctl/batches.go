package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agritrace/provenance/pkg/api"
	"github.com/agritrace/provenance/pkg/reconstruct"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Inspect batches and their provenance",
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every batch in the catalog",
	RunE:  runBatchList,
}

var batchGetCmd = &cobra.Command{
	Use:   "get [batch-id]",
	Short: "Show one batch with its record and descriptive metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchGet,
}

var batchHistoryCmd = &cobra.Command{
	Use:   "history [batch-id]",
	Short: "Show a batch's full provenance step history",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchHistory,
}

var batchOfActorCmd = &cobra.Command{
	Use:   "of [actor-id]",
	Short: "List every batch an actor has touched",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchOf,
}

func init() {
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchGetCmd)
	batchCmd.AddCommand(batchHistoryCmd)
	batchCmd.AddCommand(batchOfActorCmd)
}

func runBatchList(cmd *cobra.Command, args []string) error {
	client := newClient()

	var resp api.CatalogResponse
	if err := client.getJSON("/api/v1/batches", &resp); err != nil {
		return err
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}

	headers := []string{"ID", "Crop", "Producer", "State", "Owner", "Degraded"}
	rows := make([][]string, 0, len(resp.Batches))
	for _, v := range resp.Batches {
		state, owner := "-", "-"
		if v.Record != nil {
			state = string(v.Record.CurrentState)
			owner = v.Record.CurrentOwner
		}
		rows = append(rows, []string{
			truncate(v.Batch.ID, 12),
			v.Batch.CropType,
			v.Batch.Producer,
			state,
			owner,
			strconv.FormatBool(v.Degraded),
		})
	}
	printTable(headers, rows)
	if resp.Degraded > 0 {
		fmt.Printf("\n%d batch(es) have unresolvable metadata\n", resp.Degraded)
	}
	return nil
}

func runBatchGet(cmd *cobra.Command, args []string) error {
	client := newClient()

	var view reconstruct.BatchView
	if err := client.getJSON("/api/v1/batches/"+args[0], &view); err != nil {
		return err
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(view)
	}

	rows := [][]string{
		{"ID", view.Batch.ID},
		{"Crop", view.Batch.CropType},
		{"Quantity", strconv.Itoa(view.Batch.Quantity)},
		{"Origin farm", view.Batch.OriginFarm},
		{"Producer", view.Batch.Producer},
		{"Harvested", view.Batch.HarvestDate.Format(time.RFC3339)},
	}
	if view.Record != nil {
		rows = append(rows,
			[]string{"State", string(view.Record.CurrentState)},
			[]string{"Owner", view.Record.CurrentOwner},
			[]string{"Steps", strconv.Itoa(view.Record.TotalSteps)},
		)
	}
	if view.Details != nil {
		rows = append(rows, []string{"Name", view.Details.Name})
		if view.Details.Description != "" {
			rows = append(rows, []string{"Description", truncate(view.Details.Description, 60)})
		}
	}
	if view.Degraded {
		rows = append(rows, []string{"Metadata", "UNRESOLVABLE"})
	}
	printTable([]string{"Field", "Value"}, rows)
	return nil
}

func runBatchHistory(cmd *cobra.Command, args []string) error {
	client := newClient()

	var resp api.HistoryResponse
	if err := client.getJSON("/api/v1/batches/"+args[0]+"/history", &resp); err != nil {
		return err
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}

	headers := []string{"Seq", "Actor", "State", "Location", "Timestamp"}
	rows := make([][]string, 0, len(resp.Steps))
	for _, s := range resp.Steps {
		rows = append(rows, []string{
			strconv.FormatUint(s.Seq, 10),
			s.Actor,
			string(s.State),
			s.Location,
			s.Timestamp.Format(time.RFC3339),
		})
	}
	printTable(headers, rows)
	return nil
}

func runBatchOf(cmd *cobra.Command, args []string) error {
	client := newClient()

	var resp api.ActorBatchesResponse
	if err := client.getJSON("/api/v1/actors/"+args[0]+"/batches", &resp); err != nil {
		return err
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}

	headers := []string{"Batch ID"}
	rows := make([][]string, 0, len(resp.BatchIDs))
	for _, id := range resp.BatchIDs {
		rows = append(rows, []string{id})
	}
	printTable(headers, rows)
	return nil
}

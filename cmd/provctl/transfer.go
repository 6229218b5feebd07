package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agritrace/provenance/pkg/api"
	"github.com/agritrace/provenance/pkg/provenance"
	"github.com/agritrace/provenance/pkg/reconstruct"
)

var (
	mintCrop     string
	mintQuantity int
	mintFarm     string
	mintHarvest  string
	mintNotes    string
	mintName     string
	mintDesc     string

	stepLocation string
	stepNotes    string
	transferTo   string
	transferNext string
)

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a new batch (producer only)",
	RunE:  runMint,
}

var initializeCmd = &cobra.Command{
	Use:   "initialize [batch-id]",
	Short: "Start a batch's provenance record (minting producer only)",
	Args:  cobra.ExactArgs(1),
	RunE:  runInitialize,
}

var transferCmd = &cobra.Command{
	Use:   "transfer [batch-id]",
	Short: "Transfer batch ownership to another party",
	Args:  cobra.ExactArgs(1),
	RunE:  runTransfer,
}

var consumeCmd = &cobra.Command{
	Use:   "consume [batch-id]",
	Short: "Mark a delivered batch consumed (current owner only)",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsume,
}

func init() {
	mintCmd.Flags().StringVar(&mintCrop, "crop", "", "Crop type (required)")
	mintCmd.Flags().IntVar(&mintQuantity, "quantity", 0, "Quantity in kilograms (required)")
	mintCmd.Flags().StringVar(&mintFarm, "farm", "", "Origin farm (required)")
	mintCmd.Flags().StringVar(&mintHarvest, "harvested", "", "Harvest date, RFC 3339 or YYYY-MM-DD (default: today)")
	mintCmd.Flags().StringVar(&mintNotes, "notes", "", "Free-form notes")
	mintCmd.Flags().StringVar(&mintName, "name", "", "Descriptive metadata: display name")
	mintCmd.Flags().StringVar(&mintDesc, "description", "", "Descriptive metadata: description")
	_ = mintCmd.MarkFlagRequired("crop")
	_ = mintCmd.MarkFlagRequired("quantity")
	_ = mintCmd.MarkFlagRequired("farm")

	initializeCmd.Flags().StringVar(&stepLocation, "location", "", "Where this step happened")
	initializeCmd.Flags().StringVar(&stepNotes, "notes", "", "Free-form notes")

	transferCmd.Flags().StringVar(&transferTo, "to", "", "Recipient identity (required)")
	transferCmd.Flags().StringVar(&transferNext, "state", "", "Requested next state (default: implied by recipient's role)")
	transferCmd.Flags().StringVar(&stepLocation, "location", "", "Where this step happened")
	transferCmd.Flags().StringVar(&stepNotes, "notes", "", "Free-form notes")
	_ = transferCmd.MarkFlagRequired("to")

	consumeCmd.Flags().StringVar(&stepLocation, "location", "", "Where this step happened")
	consumeCmd.Flags().StringVar(&stepNotes, "notes", "", "Free-form notes")
}

func runMint(cmd *cobra.Command, args []string) error {
	harvest := time.Now()
	if mintHarvest != "" {
		parsed, err := parseDate(mintHarvest)
		if err != nil {
			return err
		}
		harvest = parsed
	}

	req := api.MintRequest{
		CropType:    mintCrop,
		Quantity:    mintQuantity,
		OriginFarm:  mintFarm,
		HarvestDate: harvest,
		Notes:       mintNotes,
	}
	if mintName != "" || mintDesc != "" {
		req.Metadata = &reconstruct.Details{Name: mintName, Description: mintDesc}
	}

	var resp api.MintResponse
	if err := newClient().postJSON("/api/v1/batches", req, &resp); err != nil {
		return err
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}
	fmt.Printf("Minted batch %s (%s, %d kg from %s)\n",
		resp.Batch.ID, resp.Batch.CropType, resp.Batch.Quantity, resp.Batch.OriginFarm)
	return nil
}

func runInitialize(cmd *cobra.Command, args []string) error {
	req := api.InitializeRequest{Location: stepLocation, Notes: stepNotes}

	var resp api.StepResponse
	if err := newClient().postJSON("/api/v1/batches/"+args[0]+"/initialize", req, &resp); err != nil {
		return err
	}
	return printStep(resp)
}

func runTransfer(cmd *cobra.Command, args []string) error {
	req := api.TransferRequest{
		To:        transferTo,
		NextState: provenance.BatchState(transferNext),
		Location:  stepLocation,
		Notes:     stepNotes,
	}

	var resp api.StepResponse
	if err := newClient().postJSON("/api/v1/batches/"+args[0]+"/transfer", req, &resp); err != nil {
		return err
	}
	return printStep(resp)
}

func runConsume(cmd *cobra.Command, args []string) error {
	req := api.ConsumeRequest{Location: stepLocation, Notes: stepNotes}

	var resp api.StepResponse
	if err := newClient().postJSON("/api/v1/batches/"+args[0]+"/consume", req, &resp); err != nil {
		return err
	}
	return printStep(resp)
}

func printStep(resp api.StepResponse) error {
	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}
	fmt.Printf("Recorded step for batch %s: state %s, actor %s\n",
		resp.Step.BatchID, resp.Step.State, resp.Step.Actor)
	if resp.Record != nil {
		fmt.Printf("Record now: state %s, owner %s, %d step(s)\n",
			resp.Record.CurrentState, resp.Record.CurrentOwner, resp.Record.TotalSteps)
	}
	return nil
}

// parseDate accepts RFC 3339 timestamps or bare dates.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable date %q (use RFC 3339 or YYYY-MM-DD)", s)
}

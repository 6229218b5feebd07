package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agritrace/provenance/pkg/api"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Upload and fetch content-addressed metadata blobs",
}

var metadataUploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Upload a metadata blob and print its content hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetadataUpload,
}

var metadataGetCmd = &cobra.Command{
	Use:   "get [hash]",
	Short: "Fetch a metadata blob by content hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetadataGet,
}

func init() {
	metadataCmd.AddCommand(metadataUploadCmd)
	metadataCmd.AddCommand(metadataGetCmd)
}

func runMetadataUpload(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	var resp api.UploadResponse
	if err := newClient().postRaw("/api/v1/metadata", data, &resp); err != nil {
		return err
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}
	fmt.Println(resp.Hash)
	return nil
}

func runMetadataGet(cmd *cobra.Command, args []string) error {
	data, err := newClient().getBytes("/api/v1/metadata/" + args[0])
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

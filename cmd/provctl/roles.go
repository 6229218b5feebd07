package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agritrace/provenance/pkg/api"
	"github.com/agritrace/provenance/pkg/provenance"
)

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Inspect and assign supply-chain roles",
}

var roleGetCmd = &cobra.Command{
	Use:   "get [identity]",
	Short: "Show an identity's role and capabilities",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoleGet,
}

var roleAssignCmd = &cobra.Command{
	Use:   "assign [identity] [role]",
	Short: "Assign a role to an identity (admin only)",
	Args:  cobra.ExactArgs(2),
	RunE:  runRoleAssign,
}

var roleRefreshCmd = &cobra.Command{
	Use:   "refresh [identity]",
	Short: "Drop the server's cached role projection (all identities if none given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRoleRefresh,
}

func init() {
	roleCmd.AddCommand(roleGetCmd)
	roleCmd.AddCommand(roleAssignCmd)
	roleCmd.AddCommand(roleRefreshCmd)
}

func runRoleGet(cmd *cobra.Command, args []string) error {
	var resp api.RoleResponse
	if err := newClient().getJSON("/api/v1/actors/"+args[0]+"/role", &resp); err != nil {
		return err
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}
	role := string(resp.Role)
	if role == "" {
		role = "(unassigned)"
	}
	printTable([]string{"Identity", "Role", "Capabilities"}, [][]string{
		{resp.Identity, role, strings.Join(resp.Capabilities, ",")},
	})
	return nil
}

func runRoleAssign(cmd *cobra.Command, args []string) error {
	req := api.AssignRoleRequest{
		Identity: args[0],
		Role:     provenance.Role(args[1]),
	}

	var resp api.RoleResponse
	if err := newClient().postJSON("/api/v1/roles", req, &resp); err != nil {
		return err
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}
	fmt.Printf("Assigned role %s to %s\n", resp.Role, resp.Identity)
	return nil
}

func runRoleRefresh(cmd *cobra.Command, args []string) error {
	req := api.RefreshRolesRequest{}
	if len(args) == 1 {
		req.Identity = args[0]
	}
	if err := newClient().postJSON("/api/v1/roles/refresh", req, nil); err != nil {
		return err
	}
	if req.Identity == "" {
		fmt.Println("Dropped the full role projection")
	} else {
		fmt.Printf("Dropped cached role for %s\n", req.Identity)
	}
	return nil
}

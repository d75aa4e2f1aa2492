package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aurelia-labs/companion/pkg/companion"
)

var (
	personaName   string
	personaPrompt string
	personaAvatar string
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage personas",
}

var personaCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a persona",
	RunE: func(cmd *cobra.Command, args []string) error {
		var p companion.Persona
		err := newAPIClient().doJSON("POST", "/v1/personas", map[string]string{
			"display_name":       personaName,
			"base_system_prompt": personaPrompt,
			"avatar_url":         personaAvatar,
		}, &p)
		if err != nil {
			return err
		}
		fmt.Printf("Persona %q created: %s\n", p.DisplayName, p.ID)
		return nil
	},
}

var personaListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List personas",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []companion.Persona
		if err := newAPIClient().doJSON("GET", "/v1/personas", nil, &list); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tACTIVE VERSION\tCREATED")
		for _, p := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				p.ID, p.DisplayName, p.ActiveVersionID, p.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var personaVersionsCmd = &cobra.Command{
	Use:   "versions <persona-id>",
	Short: "Show a persona's prompt version chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient()
		var p companion.Persona
		if err := c.doJSON("GET", "/v1/personas/"+args[0], nil, &p); err != nil {
			return err
		}
		var versions []companion.PromptVersion
		if err := c.doJSON("GET", "/v1/personas/"+args[0]+"/versions", nil, &versions); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ACTIVE\tID\tTUNING SUMMARY\tCREATED")
		for _, v := range versions {
			active := ""
			if v.ID == p.ActiveVersionID {
				active = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				active, v.ID, v.TuningSummary, v.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	personaCreateCmd.Flags().StringVar(&personaName, "name", "", "display name (required)")
	personaCreateCmd.Flags().StringVar(&personaPrompt, "prompt", "", "base system prompt (required)")
	personaCreateCmd.Flags().StringVar(&personaAvatar, "avatar", "", "avatar URL")
	personaCreateCmd.MarkFlagRequired("name")
	personaCreateCmd.MarkFlagRequired("prompt")

	for _, c := range []*cobra.Command{personaCreateCmd, personaListCmd, personaVersionsCmd} {
		addClientFlags(c)
		personaCmd.AddCommand(c)
	}
	rootCmd.AddCommand(personaCmd)
}

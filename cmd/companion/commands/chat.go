package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aurelia-labs/companion/pkg/companion"
)

var (
	chatPersonaID string
	chatTitle     string
	chatConvID    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Create conversations and send turns",
}

var chatNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a conversation with a persona",
	RunE: func(cmd *cobra.Command, args []string) error {
		var conv companion.Conversation
		err := newAPIClient().doJSON("POST", "/v1/conversations", map[string]string{
			"persona_id": chatPersonaID,
			"title":      chatTitle,
		}, &conv)
		if err != nil {
			return err
		}
		fmt.Printf("Conversation created: %s\n", conv.ID)
		return nil
	},
}

var chatListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []companion.Conversation
		if err := newAPIClient().doJSON("GET", "/v1/conversations", nil, &list); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPERSONA\tTITLE\tLAST MESSAGE")
		for _, c := range list {
			last := ""
			if !c.LastMessageAt.IsZero() {
				last = c.LastMessageAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.PersonaID, c.Title, last)
		}
		return w.Flush()
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a turn and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient()
		req, err := c.newRequest("POST", "/v1/conversations/"+chatConvID+"/messages",
			map[string]string{"text": strings.Join(args, " ")})
		if err != nil {
			return err
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return apiError(resp)
		}

		return printTurnStream(resp.Body)
	},
}

// printTurnStream consumes the turn's event stream, printing deltas as they
// arrive.
func printTurnStream(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	var failed bool
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event: error":
			failed = true
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				fmt.Println()
				return nil
			}
			var rec struct {
				Text     string `json:"text"`
				ImageURL string `json:"image_url"`
				Error    string `json:"error"`
			}
			if err := json.Unmarshal([]byte(payload), &rec); err != nil {
				continue
			}
			switch {
			case failed || rec.Error != "":
				fmt.Println()
				return fmt.Errorf("turn failed: %s", rec.Error)
			case rec.ImageURL != "":
				fmt.Printf("[image] %s\n", rec.ImageURL)
			case rec.Text != "":
				fmt.Print(rec.Text)
			}
		}
	}
	fmt.Println()
	return scanner.Err()
}

func init() {
	chatNewCmd.Flags().StringVar(&chatPersonaID, "persona", "", "persona id (required)")
	chatNewCmd.Flags().StringVar(&chatTitle, "title", "", "conversation title")
	chatNewCmd.MarkFlagRequired("persona")

	chatSendCmd.Flags().StringVar(&chatConvID, "conversation", "", "conversation id (required)")
	chatSendCmd.MarkFlagRequired("conversation")

	for _, c := range []*cobra.Command{chatNewCmd, chatListCmd, chatSendCmd} {
		addClientFlags(c)
		chatCmd.AddCommand(c)
	}
	rootCmd.AddCommand(chatCmd)
}

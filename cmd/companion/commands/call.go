package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/aurelia-labs/companion/pkg/companion"
	"github.com/aurelia-labs/companion/pkg/voice"
)

var (
	callConvID    string
	callTransport string
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Join a realtime voice call for a conversation",
	Long: `Join a realtime voice call for a conversation.

Mints an ephemeral session from the server, then connects directly to the
provider with the short-lived credential. Transcripts are shown live and
persisted to the conversation by the session itself.`,
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callConvID, "conversation", "", "conversation id (required)")
	callCmd.Flags().StringVar(&callTransport, "transport", "webrtc", "transport: webrtc or ws")
	callCmd.MarkFlagRequired("conversation")
	addClientFlags(callCmd)
	rootCmd.AddCommand(callCmd)
}

// sessionCredential is the part of the provider's session document the
// client needs.
type sessionCredential struct {
	Model        string `json:"model"`
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cred sessionCredential
	err := newAPIClient().doJSON("POST", "/v1/conversations/"+callConvID+"/realtime-session", nil, &cred)
	if err != nil {
		return err
	}
	if cred.ClientSecret.Value == "" {
		return fmt.Errorf("session document carries no client secret")
	}

	onTranscript := func(tr voice.Transcript) {
		label := assistantStyle.Render("assistant")
		if tr.Sender == companion.SenderUser {
			label = userStyle.Render("you")
		}
		fmt.Printf("%s %s\n", label+":", tr.Text)
	}
	onDelta := func(_ companion.Sender, delta string) {
		fmt.Print(dimStyle.Render(delta))
	}

	fmt.Println(dimStyle.Render("connecting (" + callTransport + ")... press Ctrl-C to hang up"))

	switch callTransport {
	case "webrtc":
		call, err := voice.Dial(ctx, voice.CallConfig{
			ClientSecret: cred.ClientSecret.Value,
			Model:        cred.Model,
			OnTranscript: onTranscript,
			OnDelta:      onDelta,
		})
		if err != nil {
			return err
		}
		defer call.Close()
		<-ctx.Done()
		return hangup(call.Close, call.Transcripts)

	case "ws":
		sess, err := voice.DialWS(ctx, voice.WSConfig{
			ClientSecret: cred.ClientSecret.Value,
			Model:        cred.Model,
			OnTranscript: onTranscript,
			OnDelta:      onDelta,
		})
		if err != nil {
			return err
		}
		defer sess.Close()
		go readStdinText(ctx, sess)
		<-ctx.Done()
		return hangup(sess.Close, sess.Transcripts)

	default:
		return fmt.Errorf("unknown transport %q (webrtc or ws)", callTransport)
	}
}

// readStdinText forwards typed lines into the live session, for the
// transport without local audio capture.
func readStdinText(ctx context.Context, sess *voice.WSSession) {
	var line string
	for {
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := sess.SendText(line); err != nil {
			return
		}
	}
}

func hangup(closeFn func() error, transcripts func() []voice.Transcript) error {
	fmt.Println()
	fmt.Println(dimStyle.Render("hanging up"))
	if err := closeFn(); err != nil {
		return err
	}
	entries := transcripts()
	if len(entries) == 0 {
		return nil
	}
	fmt.Printf("%d transcript entries saved\n", len(entries))
	return nil
}

// sessions.go implements the read-only "sessions" and "events" commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/agentd/internal/domain"
	"github.com/ashureev/agentd/internal/identity"
	"github.com/ashureev/agentd/internal/protocol"
)

var eventsAfter int64

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the sessions of this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Sessions []domain.Session `json:"sessions"`
		}
		if err := getJSON(cmd.Context(), "/api/sessions", nil, &resp); err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), resp.Sessions)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Print the event log of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if eventsAfter > 0 {
			q.Set("after", strconv.FormatInt(eventsAfter, 10))
		}
		var resp struct {
			Events []protocol.Frame `json:"events"`
		}
		if err := getJSON(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0])+"/events", q, &resp); err != nil {
			return err
		}
		return printEvents(cmd.OutOrStdout(), resp.Events)
	},
}

func init() {
	eventsCmd.Flags().Int64Var(&eventsAfter, "after", 0, "Only show events after this sequence")
}

func getJSON(ctx context.Context, path string, q url.Values, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	target := strings.TrimRight(serverURL, "/") + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set(identity.DeviceHeaderName, deviceID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s: %s", path, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func printSessions(w io.Writer, sessions []domain.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMODEL\tLAST ACTIVE\tNAME")
	for _, s := range sessions {
		model := "-"
		if s.Model != nil {
			model = s.Model.ModelName
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, model, s.LastActiveAt.Local().Format(time.DateTime), s.Name)
	}
	return tw.Flush()
}

func printEvents(w io.Writer, frames []protocol.Frame) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range frames {
		ts := ""
		if f.Timestamp != nil {
			ts = f.Timestamp.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", f.Sequence, ts, f.Type, summarize(f))
	}
	return tw.Flush()
}

// summarize renders the interesting field of an event on one line.
func summarize(f protocol.Frame) string {
	ev, err := protocol.DecodeEvent(protocol.EventType(f.Type), f.Content)
	if err != nil {
		return string(f.Content)
	}
	var s string
	switch v := ev.(type) {
	case protocol.ResponseDelta:
		s = v.Delta
	case protocol.ResponseText:
		s = v.Text
	case protocol.Thinking:
		s = v.Thinking
	case protocol.ToolInvoked:
		s = v.ToolName + " " + string(v.ToolInput)
	case protocol.ToolResult:
		s = v.Output
		if v.IsError {
			s = "error: " + s
		}
	case protocol.Error:
		s = v.Message
		if v.Code != "" {
			s += " (" + string(v.Code) + ")"
		}
	case protocol.System:
		s = v.Message
	case protocol.ConnectionEstablished:
		s = v.WorkspacePath
	case protocol.AgentInitialized:
		s = v.VSCodeURL
	case protocol.PromptGenerated:
		s = v.Result
	default:
		return ""
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 80 {
		s = string(r[:77]) + "..."
	}
	return s
}

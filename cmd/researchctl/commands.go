package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/streaming"
)

var (
	startOwner      string
	startIterations int
	startNoDebate   bool
	startConfigFile string
	startWatch      bool
	resumeInput     string
	watchSince      uint64
)

var startCmd = &cobra.Command{
	Use:   "start <query>",
	Short: "Start a research session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := createRequest{Query: strings.Join(args, " "), Owner: startOwner, Config: map[string]interface{}{}}
		if startConfigFile != "" {
			raw, err := os.ReadFile(startConfigFile)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &req.Config); err != nil {
				return fmt.Errorf("parse %s: %w", startConfigFile, err)
			}
		}
		if cmd.Flags().Changed("max-iterations") {
			req.Config["max_iterations"] = startIterations
		}
		if startNoDebate {
			req.Config["final_recommendation"] = false
		}
		c := newClient(serverURL, authToken)
		resp, err := c.create(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s %s\n", resp.SessionID, resp.Status)
		if startWatch {
			return c.watch(cmd.Context(), resp.SessionID, 0, printEvent(cmd))
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view sessionView
		raw, err := newClient(serverURL, authToken).do(cmd.Context(), "GET", "/sessions/"+args[0], nil, &view)
		if err != nil {
			return err
		}
		if jsonOut {
			_, err := cmd.OutOrStdout().Write(raw)
			return err
		}
		printView(cmd, view)
		return nil
	},
}

func controlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body interface{}
			if action == "resume" && resumeInput != "" {
				body = map[string]string{"extra_input": resumeInput}
			}
			sess, err := newClient(serverURL, authToken).control(cmd.Context(), args[0], action, body)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd, sess)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s %s (iteration %d)\n", sess.ID, sess.Status, sess.Iteration)
			return nil
		},
	}
}

var (
	pauseCmd  = controlCmd("pause", "Pause a session at the next step boundary")
	resumeCmd = controlCmd("resume", "Resume a paused session")
	cancelCmd = controlCmd("cancel", "Cancel a session")
)

type historyEntry struct {
	Sequence  int64     `json:"sequence_no"`
	Parent    int64     `json:"parent_sequence_no"`
	Label     string    `json:"label"`
	Status    string    `json:"status"`
	Bytes     int       `json:"bytes"`
	WrittenAt time.Time `json:"written_at"`
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <session-id>",
	Short: "List the checkpoint audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Checkpoints []historyEntry `json:"checkpoints"`
		}
		raw, err := newClient(serverURL, authToken).do(cmd.Context(), "GET", "/sessions/"+args[0]+"/checkpoints", nil, &out)
		if err != nil {
			return err
		}
		if jsonOut {
			_, err := cmd.OutOrStdout().Write(raw)
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tPARENT\tSTATUS\tLABEL\tBYTES\tWRITTEN")
		for _, h := range out.Checkpoints {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%s\n", h.Sequence, h.Parent, h.Status, h.Label, h.Bytes, h.WrittenAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Print the Markdown report of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient(serverURL, authToken).do(cmd.Context(), "GET", "/sessions/"+args[0]+"/report", nil, nil)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Stream iteration events until the session ends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(serverURL, authToken).watch(cmd.Context(), args[0], watchSince, printEvent(cmd))
	},
}

func init() {
	startCmd.Flags().StringVar(&startOwner, "owner", os.Getenv("USER"), "session owner")
	startCmd.Flags().IntVar(&startIterations, "max-iterations", 0, "iteration cap")
	startCmd.Flags().BoolVar(&startNoDebate, "no-recommendation", false, "skip the final recommendation debate")
	startCmd.Flags().StringVar(&startConfigFile, "config", "", "JSON file with session config overrides")
	startCmd.Flags().BoolVarP(&startWatch, "watch", "w", false, "stream events after starting")
	resumeCmd.Flags().StringVar(&resumeInput, "input", "", "additional input for the next plan")
	watchCmd.Flags().Uint64Var(&watchSince, "since", 0, "replay events after this sequence number")
}

// sessionView is the subset of GET /sessions/{id} the table prints.
type sessionView struct {
	Session        models.ResearchSession `json:"session"`
	Phase          models.Phase           `json:"phase"`
	Tasks          int                    `json:"tasks"`
	Findings       []models.Finding       `json:"findings"`
	Sources        int                    `json:"sources"`
	StopDecision   *models.StopDecision   `json:"stop_decision"`
	Recommendation *struct {
		Decision  string  `json:"decision"`
		Consensus float64 `json:"consensus"`
	} `json:"recommendation"`
	SpentUSD      float64 `json:"spent_usd"`
	Calls         int     `json:"calls"`
	FailureReason string  `json:"failure_reason"`
}

func printView(cmd *cobra.Command, v sessionView) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Session:    %s\n", v.Session.ID)
	fmt.Fprintf(w, "Query:      %s\n", v.Session.Query)
	fmt.Fprintf(w, "Status:     %s (%s)\n", v.Session.Status, v.Phase)
	fmt.Fprintf(w, "Iteration:  %d\n", v.Session.Iteration)
	fmt.Fprintf(w, "Findings:   %d from %d sources over %d tasks\n", len(v.Findings), v.Sources, v.Tasks)
	fmt.Fprintf(w, "Spend:      $%.4f in %d calls\n", v.SpentUSD, v.Calls)
	if v.StopDecision != nil {
		fmt.Fprintf(w, "Stopped:    %s\n", v.StopDecision.Reason)
	}
	if v.FailureReason != "" {
		fmt.Fprintf(w, "Failure:    %s\n", v.FailureReason)
	}
	if v.Recommendation != nil {
		fmt.Fprintf(w, "Consensus:  %.2f\n\n%s\n", v.Recommendation.Consensus, v.Recommendation.Decision)
	}
}

// printEvent prints events and stops at the first terminal status.
func printEvent(cmd *cobra.Command) func(streaming.Event) bool {
	return func(ev streaming.Event) bool {
		w := cmd.OutOrStdout()
		if jsonOut {
			b, _ := json.Marshal(ev)
			fmt.Fprintln(w, string(b))
		} else {
			switch ev.Type {
			case streaming.TypeIterationComplete:
				fmt.Fprintf(w, "[%d] iteration %d: %d new findings\n", ev.Seq, ev.Iteration, len(ev.NewFindings))
			default:
				fmt.Fprintf(w, "[%d] %s %s %s\n", ev.Seq, ev.Type, ev.Status, ev.Reason)
			}
		}
		return !(ev.Type == streaming.TypeStatus && ev.Status.Terminal())
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

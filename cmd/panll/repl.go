package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/panll/ensaid/internal/orchestrator"
)

func replCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive shell for trying tokens against the loaded profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.sink.Run(ctx)

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, Version)
			fmt.Fprintln(cmd.OutOrStdout(), "Type 'help' for available commands, 'exit' to quit.")
			runREPL(ctx, a.orch, cmd.InOrStdin(), cmd.OutOrStdout())
			return nil
		},
	}
}

// runREPL reads commands from in until EOF or exit. A line that is not a
// command is validated against the active profile.
func runREPL(ctx context.Context, o *orchestrator.Orchestrator, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "panll> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		word, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch word {
		case "exit", "quit":
			fmt.Fprintln(out, "Goodbye.")
			return
		case "help":
			printHelp(out)
		case "index":
			fmt.Fprintf(out, "%.4f\n", o.VexationIndex())
		case "status":
			data, _ := json.MarshalIndent(o.Status(), "", "  ")
			fmt.Fprintln(out, string(data))
		case "profiles":
			printProfiles(out, o)
		case "use":
			if err := o.SetActiveProfile(rest); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "active profile: %s\n", rest)
		case "load":
			names, err := o.LoadProfiles(ctx, rest)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "loaded: %s\n", strings.Join(names, ", "))
		case "forbid":
			handleForbid(ctx, out, o, rest)
		case "stress":
			handleStress(ctx, out, o, rest)
		case "feedback":
			handleFeedback(ctx, out, o, rest)
		case "check":
			checkLine(ctx, out, o, rest)
		default:
			checkLine(ctx, out, o, line)
		}
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Available commands:")
	fmt.Fprintln(out, "  check <token>               Validate against the active profile (default for bare lines)")
	fmt.Fprintln(out, "  forbid <a,b,...> <token>    Validate against literal forbidden substrings")
	fmt.Fprintln(out, "  profiles                    List loaded profiles")
	fmt.Fprintln(out, "  use <profile>               Select the active profile")
	fmt.Fprintln(out, "  load <path>                 Load a profiles file")
	fmt.Fprintln(out, "  index                       Show the Vexation Index")
	fmt.Fprintln(out, "  stress <magnitude> [class]  Record an operator stress signal")
	fmt.Fprintln(out, "  feedback <type> [l|n|w]     Submit a report with optional pane states")
	fmt.Fprintln(out, "  status                      Show core status")
	fmt.Fprintln(out, "  exit                        Exit the shell")
}

func printProfiles(out io.Writer, o *orchestrator.Orchestrator) {
	names := o.ProfileNames()
	if len(names) == 0 {
		fmt.Fprintln(out, "No profiles loaded.")
		return
	}
	active := o.ActiveProfile()
	for _, name := range names {
		set, _ := o.Profile(name)
		marker := " "
		if name == active {
			marker = "*"
		}
		fmt.Fprintf(out, " %s %-20s %d constraints\n", marker, name, set.Len())
	}
}

func checkLine(ctx context.Context, out io.Writer, o *orchestrator.Orchestrator, token string) {
	res, err := o.ValidateProfile(ctx, token, "")
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	if res.Accepted() {
		fmt.Fprintf(out, "ACCEPTED (seq=%d)\n", res.Token.Seq)
		return
	}
	suffix := ""
	if res.Strict {
		suffix = " [strict]"
	}
	fmt.Fprintf(out, "REJECTED (seq=%d): %s%s\n", res.Token.Seq, res.Explanation, suffix)
}

func handleForbid(ctx context.Context, out io.Writer, o *orchestrator.Orchestrator, rest string) {
	list, token, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Fprintln(out, "Usage: forbid <a,b,...> <token>")
		return
	}
	accepted, err := o.ValidateInference(ctx, token, strings.Split(list, ","))
	switch {
	case accepted:
		fmt.Fprintln(out, "ACCEPTED")
	case err != nil:
		fmt.Fprintf(out, "REJECTED: %v\n", err)
	}
}

func handleStress(ctx context.Context, out io.Writer, o *orchestrator.Orchestrator, rest string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		fmt.Fprintln(out, "Usage: stress <magnitude> [SHORT|MEDIUM|LONG]")
		return
	}
	mag, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		fmt.Fprintf(out, "error: magnitude: %v\n", err)
		return
	}
	class := ""
	if len(fields) > 1 {
		class = fields[1]
	}
	if err := o.ReportStress(ctx, mag, class); err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "index: %.4f\n", o.VexationIndex())
}

func handleFeedback(ctx context.Context, out io.Writer, o *orchestrator.Orchestrator, rest string) {
	typ, panes, _ := strings.Cut(rest, " ")
	if typ == "" {
		fmt.Fprintln(out, "Usage: feedback <FALSE_POSITIVE|FALSE_NEGATIVE|CRASH|OTHER> [pane_l | pane_n | pane_w]")
		return
	}
	var state [3]string
	for i, p := range strings.SplitN(panes, "|", 3) {
		state[i] = strings.TrimSpace(p)
	}
	ack, err := o.SubmitFeedback(ctx, state[0], state[1], state[2], typ)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(out, ack)
}

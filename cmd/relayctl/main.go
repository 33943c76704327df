package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"relay/pkg/metrics"
	"relay/pkg/statusapi"
)

// defaultStatusAddr matches the default config's status server address.
const defaultStatusAddr = "127.0.0.1:8315"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "status":
		err = runStatus(os.Args[2:])
	case "kill":
		err = runKill(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "help", "-h", "-help", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "relayctl - Relay operator CLI\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s status [-addr host:port] [-json]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s kill [-addr host:port] <run-id>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s stats [-prometheus url] [-window duration]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  status  - Show queue lanes, active runs, reconcile stats, and breaker states\n")
	fmt.Fprintf(os.Stderr, "  kill    - Cancel an active run by ID\n")
	fmt.Fprintf(os.Stderr, "  stats   - Show run statistics from a Prometheus server scraping the relay\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  %s status\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s kill run-4f9c2ab1\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s stats -prometheus http://127.0.0.1:9090 -window 1h\n", os.Args[0])
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", defaultStatusAddr, "Relay status server address")
	asJSON := fs.Bool("json", false, "Print the raw status JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body, err := get(*addr, "/status")
	if err != nil {
		return err
	}

	if *asJSON {
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}

	var st statusapi.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("parse status response: %w", err)
	}
	return renderStatus(os.Stdout, st)
}

func renderStatus(w io.Writer, st statusapi.StatusResponse) error {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "QUEUE\tBUSY\tDEPTH\tCURRENT\n")
	for _, q := range st.Queues {
		busy, current := "-", "-"
		if q.Current != nil {
			busy = "yes"
			current = fmt.Sprintf("%s (%s)", q.Current.Key, msDuration(q.Current.DurationMs))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", q.Queue, busy, q.QueueLength, current)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	if len(st.ActiveRuns) == 0 {
		fmt.Fprintln(w, "No active runs.")
	} else {
		now := time.Now()
		tw = tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		fmt.Fprintf(tw, "RUN\tAGENT\tSTATUS\tCHANNEL\tAGE\tHEARTBEAT\n")
		for _, r := range st.ActiveRuns {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.RunID, r.AgentType, r.Status, orDash(r.Channel),
				ago(now, r.StartedAt), ago(now, r.LastHeartbeat))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\nReconcile: passes=%d discrepancies=%d orphans_reaped=%d last=%s\n",
		st.Reconcile.TotalRuns, st.Reconcile.DiscrepanciesFound,
		st.Reconcile.OrphansReaped, formatTime(st.Reconcile.LastRunAt))

	if len(st.Breakers) > 0 {
		names := make([]string, 0, len(st.Breakers))
		for name := range st.Breakers {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		fmt.Fprintf(tw, "BREAKER\tSTATE\n")
		for _, name := range names {
			fmt.Fprintf(tw, "%s\t%s\n", name, st.Breakers[name])
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func runKill(args []string) error {
	fs := flag.NewFlagSet("kill", flag.ExitOnError)
	addr := fs.String("addr", defaultStatusAddr, "Relay status server address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("kill takes exactly one run ID")
	}
	runID := fs.Arg(0)

	killURL := fmt.Sprintf("http://%s/runs/kill?run=%s", *addr, url.QueryEscape(runID))
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(killURL, "", http.NoBody)
	if err != nil {
		return fmt.Errorf("is the relay running on %s? %w", *addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("run %s is not active", runID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kill returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var kr statusapi.KillResponse
	if err := json.Unmarshal(body, &kr); err != nil {
		return fmt.Errorf("parse kill response: %w", err)
	}
	if kr.Signaled {
		fmt.Printf("Run %s signaled (reason: %s)\n", kr.Run, kr.Reason)
	} else {
		fmt.Printf("Run %s closed without a signal (reason: %s)\n", kr.Run, kr.Reason)
	}
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	promURL := fs.String("prometheus", "http://127.0.0.1:9090", "Prometheus base URL")
	window := fs.Duration("window", 24*time.Hour, "Stats window")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := metrics.NewQueryService(*promURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rs, err := svc.GetRunStats(ctx, *window)
	if err != nil {
		return fmt.Errorf("query run stats: %w", err)
	}

	fmt.Printf("Run stats (window %s):\n", rs.Window)
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "  Completed\t%.0f\n", rs.RunsCompleted)
	fmt.Fprintf(tw, "  Failed\t%.0f\n", rs.RunsFailed)
	fmt.Fprintf(tw, "  Cost\t$%.4f\n", rs.CostUSD)
	fmt.Fprintf(tw, "  Avg duration\t%.1fs\n", rs.AvgDurationSec)
	fmt.Fprintf(tw, "  Guard timeouts\t%.0f\n", rs.GuardTimeouts)
	fmt.Fprintf(tw, "  Orphans reaped\t%.0f\n", rs.OrphansReaped)
	if err := tw.Flush(); err != nil {
		return err
	}

	agents, err := svc.GetAgentStats(ctx, *window)
	if err != nil {
		return fmt.Errorf("query agent stats: %w", err)
	}
	if len(agents) == 0 {
		return nil
	}

	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	tw = tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "AGENT\tRUNS\tCOST\n")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%.0f\t$%.4f\n", name, agents[name].Runs, agents[name].CostUSD)
	}
	return tw.Flush()
}

// get fetches path from the relay's status server and returns the body.
func get(addr, path string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s%s", addr, path))
	if err != nil {
		return nil, fmt.Errorf("is the relay running on %s? %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func msDuration(ms int64) time.Duration {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second)
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lorekeeper/lorekeeper/internal/api"
	"github.com/lorekeeper/lorekeeper/internal/config"
	"github.com/lorekeeper/lorekeeper/internal/detect"
	"github.com/lorekeeper/lorekeeper/internal/mcp"
	"github.com/lorekeeper/lorekeeper/internal/merge"
	"github.com/lorekeeper/lorekeeper/internal/store"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := runMCP(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "detect":
		if err := runDetect(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "entities":
		if err := runEntities(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "conflicts":
		if err := runConflicts(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "merge":
		if err := runMerge(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "revert":
		if err := runRevert(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "history":
		if err := runHistory(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "stats":
		if err := runStats(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "config":
		if err := runConfig(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("lorekeeper %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// commonFlags are the flags every subcommand that touches the database
// accepts. Remaining positional arguments are returned in order.
type commonFlags struct {
	configPath string
	dbPath     string
}

func parseCommon(args []string) (commonFlags, []string, error) {
	var cf commonFlags
	var rest []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			if i+1 >= len(args) {
				return cf, nil, fmt.Errorf("--config requires a path")
			}
			i++
			cf.configPath = args[i]
		case args[i] == "--db":
			if i+1 >= len(args) {
				return cf, nil, fmt.Errorf("--db requires a path")
			}
			i++
			cf.dbPath = args[i]
		default:
			rest = append(rest, args[i])
		}
	}
	return cf, rest, nil
}

func openStore(cf commonFlags) (*store.Store, config.ResolvedConfig, error) {
	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath: cf.configPath,
		CLIDBPath:  cf.dbPath,
	})
	if err != nil {
		return nil, cfg, err
	}
	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return nil, cfg, fmt.Errorf("opening store: %w", err)
	}
	return st, cfg, nil
}

func runServe(args []string) error {
	var cliPort, cliThreshold, cliInterval string
	var filtered []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			if i+1 >= len(args) {
				return fmt.Errorf("--port requires a value")
			}
			i++
			cliPort = args[i]
		case "--threshold":
			if i+1 >= len(args) {
				return fmt.Errorf("--threshold requires a value")
			}
			i++
			cliThreshold = args[i]
		case "--interval":
			if i+1 >= len(args) {
				return fmt.Errorf("--interval requires a value (e.g. 15m)")
			}
			i++
			cliInterval = args[i]
		default:
			filtered = append(filtered, args[i])
		}
	}

	cf, rest, err := parseCommon(filtered)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath:   cf.configPath,
		CLIDBPath:    cf.dbPath,
		CLIPort:      cliPort,
		CLIThreshold: cliThreshold,
		CLIInterval:  cliInterval,
	})
	if err != nil {
		return err
	}
	port, err := cfg.Port()
	if err != nil {
		return err
	}
	threshold, err := cfg.Threshold()
	if err != nil {
		return err
	}
	interval, err := cfg.Interval()
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	detector := detect.NewEngine(st, threshold)
	executor := merge.NewExecutor(st)

	// Background sweep keeps the conflict queue fresh while the API is up.
	if interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for range ticker.C {
				report, err := detector.Sweep(context.Background())
				if err != nil {
					fmt.Fprintf(os.Stderr, "detection sweep: %v\n", err)
					continue
				}
				if report.Created > 0 {
					fmt.Printf("detection sweep: %d new conflict(s) flagged\n", report.Created)
				}
			}
		}()
	}

	return api.Serve(api.ServerConfig{
		Store:    st,
		Executor: executor,
		Detector: detector,
		Port:     port,
	})
}

func runMCP(args []string) error {
	cf, rest, err := parseCommon(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath: cf.configPath,
		CLIDBPath:  cf.dbPath,
	})
	if err != nil {
		return err
	}
	threshold, err := cfg.Threshold()
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	s := mcp.NewServer(mcp.ServerConfig{
		Store:    st,
		Executor: merge.NewExecutor(st),
		Detector: detect.NewEngine(st, threshold),
		Version:  version,
	})
	return mcpserver.ServeStdio(s)
}

func runDetect(args []string) error {
	var cliThreshold string
	var filtered []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--threshold" {
			if i+1 >= len(args) {
				return fmt.Errorf("--threshold requires a value")
			}
			i++
			cliThreshold = args[i]
			continue
		}
		filtered = append(filtered, args[i])
	}

	cf, rest, err := parseCommon(filtered)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath:   cf.configPath,
		CLIDBPath:    cf.dbPath,
		CLIThreshold: cliThreshold,
	})
	if err != nil {
		return err
	}
	threshold, err := cfg.Threshold()
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	report, err := detect.NewEngine(st, threshold).Sweep(context.Background())
	if err != nil {
		return fmt.Errorf("detection sweep: %w", err)
	}

	fmt.Printf("Scanned %d entities (%d pairs compared)\n", report.Scanned, report.PairsCompared)
	fmt.Printf("  %d conflict(s) created, %d refreshed, %d dismissed pair(s) skipped\n",
		report.Created, report.Refreshed, report.SkippedDismissed)
	if report.Errors > 0 {
		fmt.Printf("  %d pair(s) failed to score\n", report.Errors)
	}
	return nil
}

func runEntities(args []string) error {
	opts := store.ListOpts{Limit: 50}
	var filtered []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--all":
			opts.IncludeSecondary = true
			opts.IncludeTertiary = true
		case args[i] == "--secondary":
			opts.IncludeSecondary = true
		case args[i] == "--tertiary":
			opts.IncludeTertiary = true
		case args[i] == "--type":
			if i+1 >= len(args) {
				return fmt.Errorf("--type requires a value")
			}
			i++
			opts.EntityType = store.EntityType(args[i])
		default:
			filtered = append(filtered, args[i])
		}
	}

	cf, rest, err := parseCommon(filtered)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	st, _, err := openStore(cf)
	if err != nil {
		return err
	}
	defer st.Close()

	entities, err := st.ListEntities(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}
	if len(entities) == 0 {
		fmt.Println("No entities found.")
		return nil
	}
	for _, e := range entities {
		marker := " "
		if e.HasConflicts {
			marker = "!"
		}
		fmt.Printf("%s %-36s  %-9s %-9s  uses=%-4d  %s\n",
			marker, e.ID, e.EntityType, e.Tier, e.UsageCount, e.PrimaryName)
		if len(e.Aliases) > 0 {
			fmt.Printf("    aka: %s\n", strings.Join(e.Aliases, ", "))
		}
	}
	fmt.Printf("\n%d entities\n", len(entities))
	return nil
}

func runConflicts(args []string) error {
	cf, rest, err := parseCommon(args)
	if err != nil {
		return err
	}

	st, _, err := openStore(cf)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	// `conflicts dismiss <id>` closes one; bare `conflicts` lists the queue.
	if len(rest) > 0 && rest[0] == "dismiss" {
		if len(rest) < 2 {
			return fmt.Errorf("usage: lorekeeper conflicts dismiss <conflict-id>")
		}
		if err := st.DismissConflict(ctx, rest[1]); err != nil {
			return fmt.Errorf("dismissing conflict: %w", err)
		}
		fmt.Printf("Dismissed conflict %s — the pair will not be re-flagged.\n", rest[1])
		return nil
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	conflicts, err := st.ListOpenConflicts(ctx, 100)
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}
	if len(conflicts) == 0 {
		fmt.Println("No open conflicts. The candidate pool looks clean.")
		return nil
	}
	for _, c := range conflicts {
		fmt.Printf("%s  %.2f %-16s  %s <-> %s\n",
			c.ID, c.Similarity, c.Reason, c.EntityA, c.EntityB)
	}
	fmt.Printf("\n%d open conflict(s)\n", len(conflicts))
	return nil
}

func runMerge(args []string) error {
	var reason string
	var preview bool
	var filtered []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--reason":
			if i+1 >= len(args) {
				return fmt.Errorf("--reason requires a value")
			}
			i++
			reason = args[i]
		case args[i] == "--preview" || args[i] == "-n":
			preview = true
		default:
			filtered = append(filtered, args[i])
		}
	}

	cf, rest, err := parseCommon(filtered)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf("usage: lorekeeper merge <source-id> <target-id> [--reason <text>] [--preview]")
	}
	sourceID, targetID := rest[0], rest[1]

	st, _, err := openStore(cf)
	if err != nil {
		return err
	}
	defer st.Close()

	x := merge.NewExecutor(st)
	ctx := context.Background()

	if preview {
		p, err := x.Preview(ctx, sourceID, targetID)
		if err != nil {
			return fmt.Errorf("previewing merge: %w", err)
		}
		fmt.Printf("Merging %s into %s would:\n", sourceID, targetID)
		fmt.Printf("  move %d reference(s): %d memories, %d events, %d claims\n",
			p.ReferencesToMove, p.MemoriesAffected, p.EventsAffected, p.ClaimsAffected)
		fmt.Printf("  alias set after merge: %s\n", strings.Join(p.AliasesUnion, ", "))
		if len(p.TimelinePreview) > 0 {
			fmt.Printf("  timeline entries affected (sample): %s\n", strings.Join(p.TimelinePreview, ", "))
		}
		if !p.Reversible {
			fmt.Println("  NOTE: this merge would NOT be reversible (cross-type person/org)")
		}
		fmt.Println("\nNo changes written. Re-run without --preview to commit.")
		return nil
	}

	rec, err := x.Merge(ctx, merge.Request{
		SourceID: sourceID,
		TargetID: targetID,
		MergedBy: store.MergedByUser,
		Reason:   reason,
	})
	if err != nil {
		return fmt.Errorf("merging: %w", err)
	}

	fmt.Printf("Merged %s into %s\n", rec.SourceID, rec.TargetID)
	fmt.Printf("  %d reference(s) moved, %d alias(es) added, usage +%d\n",
		rec.Metadata.RefsMoved(), len(rec.Metadata.AliasesAdded), rec.Metadata.UsageAdded)
	if rec.Reversible {
		fmt.Printf("  revert with: lorekeeper revert %s\n", rec.ID)
	} else {
		fmt.Println("  this merge is not reversible")
	}
	return nil
}

func runRevert(args []string) error {
	cf, rest, err := parseCommon(args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: lorekeeper revert <merge-id>")
	}

	st, _, err := openStore(cf)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := merge.NewExecutor(st).Revert(context.Background(), rest[0])
	if err != nil {
		return fmt.Errorf("reverting: %w", err)
	}
	fmt.Printf("Reverted merge %s: %s restored, %d reference(s) moved back\n",
		rec.ID, rec.SourceID, rec.Metadata.RefsMoved())
	return nil
}

func runHistory(args []string) error {
	cf, rest, err := parseCommon(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	st, _, err := openStore(cf)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListMergeRecords(context.Background(), 50)
	if err != nil {
		return fmt.Errorf("listing merge history: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No merges recorded.")
		return nil
	}
	for _, rec := range records {
		state := "reversible"
		if rec.RevertedAt != nil {
			state = "reverted"
		} else if !rec.Reversible {
			state = "permanent"
		}
		fmt.Printf("%s  %s  %s -> %s  by=%s  [%s]\n",
			rec.ID, rec.MergedAt.Format("2006-01-02 15:04"),
			rec.SourceID, rec.TargetID, rec.MergedBy, state)
	}
	return nil
}

func runStats(args []string) error {
	cf, rest, err := parseCommon(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	st, _, err := openStore(cf)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("collecting stats: %w", err)
	}
	fmt.Printf("Entities:        %d live, %d tombstoned\n", stats.LiveEntities, stats.Tombstones)
	fmt.Printf("Open conflicts:  %d\n", stats.OpenConflicts)
	fmt.Printf("Merge history:   %d record(s), %d reverted\n", stats.MergeRecords, stats.RevertedMerges)
	fmt.Printf("References:      %d\n", stats.References)
	if stats.DBSizeBytes > 0 {
		fmt.Printf("Database size:   %.1f KB\n", float64(stats.DBSizeBytes)/1024)
	}
	return nil
}

func runConfig(args []string) error {
	cf, rest, err := parseCommon(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath: cf.configPath,
		CLIDBPath:  cf.dbPath,
	})
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printUsage() {
	fmt.Printf(`lorekeeper %s — entity resolution for the journaling memory layer

Usage:
  lorekeeper <command> [arguments]

Commands:
  serve               Run the JSON HTTP API with periodic conflict detection
  mcp                 Run the MCP server over stdio
  detect              Run one conflict-detection sweep and report
  entities            List entity candidates (PRIMARY tier by default)
  conflicts           List open conflicts; 'conflicts dismiss <id>' closes one
  merge <src> <dst>   Merge a duplicate entity into its canonical counterpart
  revert <merge-id>   Undo a merge by exact replay of its metadata
  history             Show the merge log, newest first
  stats               Show resolution statistics
  config              Print the resolved configuration and where each value came from
  version             Print version

Common Flags:
  --config <path>     Config file (default: ~/.lorekeeper/config.yaml)
  --db <path>         Database file (default: ~/.lorekeeper/lorekeeper.db)

Serve Flags:
  --port <n>          HTTP port (default: 8642)
  --threshold <f>     Detection similarity threshold (default: 0.75)
  --interval <dur>    Background sweep interval, e.g. 15m; 0 disables

Entities Flags:
  --secondary         Include SECONDARY-tier candidates
  --tertiary          Include TERTIARY-tier candidates
  --all               Include every tier
  --type <t>          Filter by entity type

Merge Flags:
  --reason <text>     Reason recorded on the merge record
  -n, --preview       Dry-run: show what the merge would do

Flags:
  -h, --help          Show this help message
  -v, --version       Print version
`, version)
}

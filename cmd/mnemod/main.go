package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mnemod/mnemod/config"
	"github.com/mnemod/mnemod/logger"
	"github.com/mnemod/mnemod/memory"
)

const usage = `usage: mnemod [flags] <command>

commands:
  store      store a memory record (-content, -category, -importance, -tags, -owner)
  search     similarity search (-query, -top-k, -threshold, -category, -owner)
  get        load one record by id (-id)
  delete     delete a record by id (-id)
  cache-put  put an opaque cache entry (-key, -value, -ttl)
  cache-get  read an opaque cache entry (-key)
  run        keep the subsystem alive (probes + sweep) until interrupted
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "mnemod.yaml", "Path to YAML config file")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("no command given")
	}
	command, cmdArgs := args[0], args[1:]

	log, err := logger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	system, err := config.Build(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build memory subsystem: %w", err)
	}
	defer system.Close() //nolint:errcheck // best-effort shutdown

	ctx := context.Background()

	switch command {
	case "store":
		return cmdStore(ctx, system.Coordinator, cmdArgs)
	case "search":
		return cmdSearch(ctx, system.Coordinator, cmdArgs)
	case "get":
		return cmdGet(ctx, system.Coordinator, cmdArgs)
	case "delete":
		return cmdDelete(ctx, system.Coordinator, cmdArgs)
	case "cache-put":
		return cmdCachePut(ctx, system.Coordinator, cmdArgs)
	case "cache-get":
		return cmdCacheGet(ctx, system.Coordinator, cmdArgs)
	case "run":
		return cmdRun()
	default:
		flag.Usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

func cmdStore(ctx context.Context, c *memory.Coordinator, args []string) error {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	content := fs.String("content", "", "Record content")
	category := fs.String("category", "", "Metadata category")
	importance := fs.Int("importance", 5, "Importance 1-10")
	tags := fs.String("tags", "", "Comma-separated tags")
	owner := fs.String("owner", "", "Owner identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id, err := c.Store(ctx, *content, memory.Metadata{
		Category:   *category,
		Importance: *importance,
		Tags:       splitTags(*tags),
		Owner:      *owner,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdSearch(ctx context.Context, c *memory.Coordinator, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	query := fs.String("query", "", "Query text")
	topK := fs.Int("top-k", 10, "Result count ceiling")
	threshold := fs.Float64("threshold", 0, "Similarity threshold in [0,1]")
	category := fs.String("category", "", "Filter: category")
	owner := fs.String("owner", "", "Filter: owner")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filters := memory.Filters{}
	if *category != "" {
		filters["category"] = []string{*category}
	}
	if *owner != "" {
		filters["owner"] = []string{*owner}
	}

	resp, err := c.Search(ctx, &memory.SearchQuery{
		QueryText:           *query,
		TopK:                *topK,
		SimilarityThreshold: *threshold,
		Filters:             filters,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func cmdGet(ctx context.Context, c *memory.Coordinator, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	id := fs.String("id", "", "Record id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rec, err := c.Get(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func cmdDelete(ctx context.Context, c *memory.Coordinator, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.String("id", "", "Record id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.Delete(ctx, *id); err != nil {
		return err
	}
	fmt.Println("deleted")
	return nil
}

func cmdCachePut(ctx context.Context, c *memory.Coordinator, args []string) error {
	fs := flag.NewFlagSet("cache-put", flag.ExitOnError)
	key := fs.String("key", "", "Cache key")
	value := fs.String("value", "", "Cache value")
	ttl := fs.Duration("ttl", 10*time.Minute, "Time to live")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.CachePut(ctx, *key, []byte(*value), *ttl)
}

func cmdCacheGet(ctx context.Context, c *memory.Coordinator, args []string) error {
	fs := flag.NewFlagSet("cache-get", flag.ExitOnError)
	key := fs.String("key", "", "Cache key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value, ok, err := c.CacheGet(ctx, *key)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("not found")
		return nil
	}
	fmt.Println(string(value))
	return nil
}

func cmdRun() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

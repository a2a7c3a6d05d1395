package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/Brownie44l1/xray-server/internal/journal"
	"github.com/Brownie44l1/xray-server/internal/logging"
)

func main() {
	path := flag.String("journal", "journal.db", "SQLite command journal")
	limit := flag.Int("limit", 20, "number of recent commands to print")
	flag.Parse()

	logger := logging.New(os.Stderr, slog.LevelInfo)

	j, err := journal.Open(*path)
	if err != nil {
		logger.Error("failed to open journal", "path", *path, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = report(ctx, j, *limit)
	cancel()
	j.Close()
	if err != nil {
		logger.Error("failed to read journal", "error", err)
		os.Exit(1)
	}
}

func report(ctx context.Context, j *journal.Journal, limit int) error {
	entries, err := j.Recent(ctx, limit)
	if err != nil {
		return err
	}
	stats, err := j.Stats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tVERB\tIMAGE\tDURATION\tCACHED\tRESULT")
	for _, e := range entries {
		result := e.Result
		if !e.OK() {
			result = "error: " + e.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.Verb, e.ImageID, e.Duration, e.Cached, result)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	verbs := make([]string, 0, len(stats))
	for v := range stats {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERB\tTOTAL\tFAILED")
	for _, v := range verbs {
		fmt.Fprintf(w, "%s\t%d\t%d\n", v, stats[v][0], stats[v][1])
	}
	return w.Flush()
}

// historyctl: chat history store inspection tool.
//
// Usage:
//
//	historyctl dump --db path/to/history.db --user 1 --network 1 --buffer '#general' [--limit 50]
//	historyctl stats --db path/to/history.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/coastline-irc/history/internal/chatlog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "dump":
		err = runDump(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	db := fs.String("db", "", "path to the SQLite database")
	user := fs.Uint64("user", 0, "user id")
	network := fs.Uint64("network", 0, "network id")
	buffer := fs.String("buffer", "", "buffer name (e.g. #general, or a nick for PMs)")
	limit := fs.Int("limit", 50, "maximum number of events to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" || *buffer == "" {
		return fmt.Errorf("dump requires --db and --buffer")
	}

	store, err := chatlog.Open(chatlog.Config{Database: *db})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Shutdown(context.Background())

	events, err := store.Between(*user, *network, *buffer, chatlog.AtTime(0), chatlog.AtTime(maxMillis), *limit)
	if err != nil {
		return fmt.Errorf("querying: %w", err)
	}

	for _, ev := range events {
		fmt.Printf("[%s] %s %s: %s\n", ev.Time.Format("2006-01-02 15:04:05"), ev.Command(), ev.Prefix, ev.Data)
	}
	fmt.Fprintf(os.Stderr, "%d event(s)\n", len(events))
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	db := fs.String("db", "", "path to the SQLite database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" {
		return fmt.Errorf("stats requires --db")
	}

	store, err := chatlog.Open(chatlog.Config{Database: *db})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Shutdown(context.Background())

	fmt.Printf("read support:  %v\n", chatlog.SupportsRead)
	fmt.Printf("write support: %v\n", chatlog.SupportsWrite)
	return nil
}

const maxMillis = int64(1) << 62

func printUsage() {
	fmt.Fprint(os.Stderr, `historyctl — chat history store inspection tool

Usage:
  historyctl dump  --db PATH --user N --network N --buffer NAME [--limit N]
  historyctl stats --db PATH
`)
}

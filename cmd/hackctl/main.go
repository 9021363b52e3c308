// Command hackctl is a small offline inspection tool: point it at a
// durable store and it prints the non-terminal process table. It is
// the generalization of the teacher's cmd/test_rooms.go and
// cmd/test_room_manager.go throwaway inspection mains into one
// reusable subcommand CLI that speaks the process vocabulary instead
// of the room vocabulary. It deliberately does not reuse
// config.Load() (that registers its own -env flag against the global
// flag.CommandLine) so each subcommand can take its own connection
// flags without clashing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"hackbackend/internal/durable"
	"hackbackend/internal/durable/pgstore"
	"hackbackend/internal/durable/sqlitestore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "processes":
		runProcesses(os.Args[2:])
	case "ping":
		runPing(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: hackctl <processes|ping> -type sqlite|postgres -db <name> [-host h -port p -user u -password p]")
}

func openStore(fs *flag.FlagSet, args []string) durable.Store {
	dbType := fs.String("type", "sqlite", "sqlite or postgres")
	dbName := fs.String("db", "data/hackbackend.db", "sqlite file path or postgres database name")
	host := fs.String("host", "localhost", "postgres host")
	port := fs.Int("port", 5432, "postgres port")
	user := fs.String("user", "", "postgres user")
	password := fs.String("password", "", "postgres password")
	maxConns := fs.Int("max-conns", 5, "postgres max open connections")
	maxIdle := fs.Int("max-idle", 2, "postgres max idle connections")
	fs.Parse(args)

	switch *dbType {
	case "sqlite":
		store, err := sqlitestore.Open(*dbName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open sqlite: %v\n", err)
			os.Exit(1)
		}
		return store
	case "postgres":
		store, err := pgstore.Open(pgstore.Config{
			Host:     *host,
			Port:     *port,
			DBName:   *dbName,
			User:     *user,
			Password: *password,
		}, *maxConns, *maxIdle)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open postgres: %v\n", err)
			os.Exit(1)
		}
		return store
	default:
		fmt.Fprintf(os.Stderr, "unsupported -type %q\n", *dbType)
		os.Exit(1)
		return nil
	}
}

func runProcesses(args []string) {
	fs := flag.NewFlagSet("processes", flag.ExitOnError)
	store := openStore(fs, args)
	defer store.Close()

	rows, err := store.LoadNonTerminal(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load non-terminal processes: %v\n", err)
		os.Exit(1)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tCREATOR\tTARGET\tACTION\tSTATE\tPRIORITY\tPROGRESS")
	for _, r := range rows {
		progress := 0.0
		if r.IdealDurationSeconds > 0 {
			progress = 100 * r.AccumulatedWorkedSecs / r.IdealDurationSeconds
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.1f%%\n",
			r.PID, r.CreatorID, r.TargetServerID, r.Action, r.State, r.Priority, progress)
	}
	tw.Flush()
}

func runPing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	store := openStore(fs, args)
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

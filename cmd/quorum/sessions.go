package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/quorumkit/quorum/store"
)

func runSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	st, err := store.New(cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := st.ListSessions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list sessions: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No stored sessions.")
		return
	}

	fmt.Printf("%-36s  %-10s  %-14s  %-8s  %s\n", "SESSION", "STATUS", "PHASE", "MESSAGES", "STARTED")
	for _, r := range records {
		fmt.Printf("%-36s  %-10s  %-14s  %-8d  %s\n",
			r.Session.ID,
			r.Session.Status,
			r.Session.Phase,
			len(r.Transcript),
			r.Session.StartedAt.Format(time.RFC3339),
		)
	}
}

//go:build ignore

package main

import (
	"fmt"
	"os"

	"Flock/internal/archive"
	"Flock/internal/round"
	"Flock/internal/storage"
)

func main() {
	if len(os.Args) != 2 && len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db_path> [round_id]\n", os.Args[0])
		os.Exit(1)
	}

	db, err := storage.Open(os.Args[1], storage.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	a, err := archive.New(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open archive: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if len(os.Args) == 3 {
		if err := dumpOne(a, os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	list, err := a.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%d archived polls\n", len(list))
	for _, s := range list {
		fmt.Printf("  %s  team=%-12s known=%-3d answered=%-3d closed=%s\n",
			s.Round, s.Selector, s.Known, s.Answered, s.Closed.Format("2006-01-02 15:04:05"))
	}
}

func dumpOne(a *archive.Archive, idText string) error {
	id, err := round.ParseID(idText)
	if err != nil {
		return fmt.Errorf("parse round id: %w", err)
	}

	t, err := a.Get(id)
	if err != nil {
		return fmt.Errorf("get %s: %w", id, err)
	}

	fmt.Printf("poll %s team=%q question=%q\n", t.Round, t.Selector, t.Question)
	fmt.Printf("  started  %s\n  deadline %s\n  closed   %s\n", t.Started, t.Deadline, t.Closed)

	for _, peer := range t.Known {
		fmt.Printf("  %s  %-8s %q\n", peer.Hex(), t.Status(peer), t.Answers[peer])
	}

	for _, c := range t.Counts() {
		fmt.Printf("%6d  %s\n", c.Votes, c.Answer)
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"Flock/internal/logger"
	"Flock/internal/poll"
	"Flock/internal/rendezvous"
)

// task is the body of a command, run once the node is up.
type task func(ctx context.Context, n *Node) error

// buildTask validates the positional arguments of mode m.
func buildTask(m mode, cfg *Config, args []string) (task, error) {
	switch m {
	case modeRoam:
		if len(args) != 1 {
			return nil, fmt.Errorf("roam takes <data>\n%w", errUsage)
		}

		return roamTask(cfg, []byte(args[0])), nil
	case modeVote:
		if len(args) != 3 {
			return nil, fmt.Errorf("vote takes <team> <question> <duration>\n%w", errUsage)
		}

		d, err := time.ParseDuration(args[2])
		if err != nil {
			return nil, fmt.Errorf("parse duration:\n%w", err)
		}

		return voteTask(args[0], []byte(args[1]), d), nil
	}

	if len(args) != 0 {
		return nil, fmt.Errorf("serve takes no arguments\n%w", errUsage)
	}

	return func(ctx context.Context, n *Node) error { return n.serve(ctx) }, nil
}

// roamTask finds one roaming service and hands data to it.
func roamTask(cfg *Config, data []byte) task {
	return func(ctx context.Context, n *Node) error {
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		rd, err := n.requester.Start([]byte(cfg.Query), rendezvous.WithHandoff(data))
		if err != nil {
			return fmt.Errorf("start rendezvous:\n%w", err)
		}

		res, err := rd.Await(ctx)
		if errors.Is(err, rendezvous.ErrTimeout) {
			return fmt.Errorf("no %s service answered after %d attempts:\n%w", cfg.RoamingRole, rd.Attempts(), err)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "delivered %d bytes to %s (reply %q) after %d attempts in %v\n",
			len(data), res.Responder, res.Payload, res.Attempts, res.Elapsed.Round(time.Millisecond))

		return nil
	}
}

// voteTask polls team with question and prints the tally at the deadline.
func voteTask(team string, question []byte, d time.Duration) task {
	return func(ctx context.Context, n *Node) error {
		rd, err := n.polls.Start(team, question, d)
		if err != nil {
			return fmt.Errorf("start poll:\n%w", err)
		}

		logger.Info("poll started", "round", rd.ID(), "team", team, "deadline", rd.Deadline())

		closed := make(chan poll.Tally, 1)
		rd.OnClosed(func(t poll.Tally) { closed <- t })

		select {
		case t := <-closed:
			printTally(os.Stdout, t)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// printTally writes one line per discovered peer, then the answer counts.
func printTally(w io.Writer, t poll.Tally) {
	fmt.Fprintf(w, "poll %s: team %q, %d players discovered, %d answered\n",
		t.Round, t.Selector, len(t.Known), len(t.Answers))

	for _, peer := range t.Known {
		if answer, ok := t.Answers[peer]; ok {
			fmt.Fprintf(w, "  %s  %q\n", peer, answer)
		} else {
			fmt.Fprintf(w, "  %s  (no answer)\n", peer)
		}
	}

	for _, c := range t.Counts() {
		fmt.Fprintf(w, "%6d  %s\n", c.Votes, c.Answer)
	}
}

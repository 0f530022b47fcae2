package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"Flock/internal/answervm"
	"Flock/internal/api"
	"Flock/internal/archive"
	"Flock/internal/group"
	"Flock/internal/logger"
	"Flock/internal/metrics"
	"Flock/internal/network"
	"Flock/internal/poll"
	"Flock/internal/rendezvous"
	"Flock/internal/responder"
	"Flock/internal/storage"
	"Flock/internal/timer"
)

const (
	// membershipLogInterval is how often serve logs the group view.
	membershipLogInterval = 30 * time.Second

	// maxDialInterval caps the wait between dials of an unreachable peer.
	maxDialInterval = 30 * time.Second
)

// mode selects which parts of a node are built.
type mode int

const (
	modeServe mode = iota // modeServe runs services, archive and API
	modeRoam              // modeRoam runs one rendezvous
	modeVote              // modeVote runs one poll
)

// Node represents a running Flock process.
type Node struct {
	cfg     *Config
	mode    mode
	metrics *metrics.Metrics
	network *network.Node
	router  *group.Router

	requester *rendezvous.Requester
	polls     *poll.Coordinator

	storage *storage.Storage
	archive *archive.Archive
	vm      *answervm.Pool
	player  *responder.Player
	api     *api.Server
}

// NewNode creates and wires a node for the given mode.
func NewNode(cfg *Config, m mode) (*Node, error) {
	n := &Node{cfg: cfg, mode: m, metrics: metrics.New()}

	if err := n.initNetwork(); err != nil {
		return nil, err
	}

	if err := n.initCoordinators(); err != nil {
		n.Close()
		return nil, err
	}

	if m != modeServe {
		return n, nil
	}

	if err := n.initStorage(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initServices(); err != nil {
		n.Close()
		return nil, err
	}

	n.initAPI()

	return n, nil
}

// initNetwork creates the QUIC node and the router on top of it.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
		Roles:      n.cfg.Roles,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	node.OnHello(func(p *network.Peer) {
		logger.Info("peer joined", "peer", p.ID(), "addr", p.Address(), "roles", p.Roles())
	})
	node.OnDisconnect(func(p *network.Peer) {
		logger.Info("peer left", "peer", p.ID())
	})

	n.network = node
	n.router = group.NewRouter(node, n.metrics)

	return nil
}

// initCoordinators creates the rendezvous requester and the poll coordinator.
func (n *Node) initCoordinators() error {
	req, err := rendezvous.New(rendezvous.Config{
		Transport: n.router,
		Role:      n.cfg.RoamingRole,
		Policy:    n.cfg.Retry,
		Metrics:   n.metrics,
	})
	if err != nil {
		return fmt.Errorf("init requester:\n%w", err)
	}

	n.requester = req

	polls, err := poll.New(poll.Config{
		Transport:     n.router,
		Role:          n.cfg.PlayerRole,
		ProbeInterval: n.cfg.ProbeInterval,
		Metrics:       n.metrics,
		OnClosed:      n.archiveTally,
	})
	if err != nil {
		return fmt.Errorf("init polls:\n%w", err)
	}

	n.polls = polls

	return nil
}

// initStorage opens the poll archive.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(filepath.Join(n.cfg.DataPath, "db"), storage.Options{})
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	a, err := archive.New(db)
	if err != nil {
		return fmt.Errorf("init archive:\n%w", err)
	}

	n.archive = a

	return nil
}

// initServices registers a responder for every advertised role it knows.
func (n *Node) initServices() error {
	if n.cfg.hasRole(n.cfg.RoamingRole) {
		reply := n.cfg.Reply
		if reply == "" {
			reply = n.network.ID().Hex()
		}

		n.router.Handle(n.cfg.RoamingRole, responder.NewRoaming([]byte(reply), func(from network.PeerID, data []byte) {
			logger.Info("data delivered", "from", from, "bytes", len(data), "data", string(data))
		}))
	}

	if n.cfg.hasRole(n.cfg.PlayerRole) {
		if n.cfg.Team == "" {
			return fmt.Errorf("role %s requires a team", n.cfg.PlayerRole)
		}

		answerer, err := n.loadAnswerer()
		if err != nil {
			return err
		}

		n.player = responder.NewPlayer(n.cfg.Team, answerer, 0)
		n.router.Handle(n.cfg.PlayerRole, n.player)
	}

	return nil
}

// loadAnswerer returns the WASM policy if configured, else the static answer.
func (n *Node) loadAnswerer() (responder.Answerer, error) {
	if n.cfg.AnswerWasm == "" {
		return responder.Static(n.cfg.Answer), nil
	}

	wasmBytes, err := os.ReadFile(n.cfg.AnswerWasm)
	if err != nil {
		return nil, fmt.Errorf("read answer policy:\n%w", err)
	}

	ctx := context.Background()
	n.vm = answervm.New(ctx)

	policy, err := answervm.NewPolicy(ctx, n.vm, wasmBytes, n.cfg.GasLimit)
	if err != nil {
		return nil, err
	}

	logger.Info("answer policy loaded", "module", policy.ID(), "path", n.cfg.AnswerWasm)

	return policy, nil
}

// initAPI creates the HTTP server when an address is configured.
func (n *Node) initAPI() {
	if n.cfg.HTTPAddress == "" {
		return
	}

	n.api = api.New(api.Config{
		Addr:      n.cfg.HTTPAddress,
		Requester: n.requester,
		Polls:     n.polls,
		Archive:   n.archive,
		Metrics:   n.metrics,
	})
}

// archiveTally stores a closed poll. Without an archive it is a no-op.
func (n *Node) archiveTally(t poll.Tally) {
	if n.archive == nil {
		return
	}

	if err := n.archive.Put(t); err != nil {
		logger.Warn("failed to archive poll", "round", t.Round, "error", err)
	}
}

// Run starts the node, runs task and stops everything when task returns
// or ctx ends. Peers are dialed in the background until they answer.
func (n *Node) Run(ctx context.Context, task func(context.Context) error) error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	logger.Info("group listening", "addr", n.network.Addr(), "peer", n.network.ID(), "roles", n.cfg.Roles)

	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}

		logger.Info("api listening", "addr", n.api.Addr())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	for _, addr := range n.cfg.Peers {
		g.Go(func() error {
			n.dial(gctx, addr)
			return nil
		})
	}

	if n.api != nil {
		g.Go(func() error {
			<-gctx.Done()
			return n.api.Stop()
		})
	}

	g.Go(func() error {
		defer cancel()
		return task(gctx)
	})

	return g.Wait()
}

// dial connects to addr, backing off between failures, until it succeeds
// or ctx ends. Later disconnections are handled by the network node.
func (n *Node) dial(ctx context.Context, addr string) {
	eb := backoff.NewExponentialBackOff()
	eb.MaxInterval = maxDialInterval

	attempts := 0
	op := func() (*network.Peer, error) {
		attempts++
		return n.network.Connect(addr)
	}

	notify := func(err error, wait time.Duration) {
		logger.Debug("dial failed", "addr", addr, "retry_in", wait, "error", err)
	}

	p, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("gave up dialing", "addr", addr, "error", err)
		}
		return
	}

	logger.Info("connected", "addr", addr, "peer", p.ID(), "attempts", attempts)
}

// serve blocks until ctx ends, logging the group view periodically.
func (n *Node) serve(ctx context.Context) error {
	sched := timer.NewScheduler(nil)

	h := sched.Every(membershipLogInterval, func() {
		logger.Info("group view",
			"peers", len(n.network.Peers()),
			"roaming", len(n.network.Members(n.cfg.RoamingRole)),
			"players", len(n.network.Members(n.cfg.PlayerRole)),
		)
	})
	defer h.Cancel()

	<-ctx.Done()

	return nil
}

// Close releases every component in reverse order.
func (n *Node) Close() {
	if n.requester != nil {
		n.requester.Close()
	}

	if n.polls != nil {
		n.polls.Close()
	}

	if n.player != nil {
		n.player.Close()
	}

	if n.vm != nil {
		n.vm.Close(context.Background())
	}

	if n.archive != nil {
		n.archive.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	if n.network != nil {
		n.network.Close()
	}
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/danmuck/token_ring/src/api/nodes"
	"github.com/danmuck/token_ring/src/monitor"
	"github.com/danmuck/token_ring/src/ring"
	logs "github.com/danmuck/smplog"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var errQuit = errors.New("controller quit")

func newRunCmd(flags *ringFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a ring and send messages interactively.",
		Long: "Start a ring and prompt for source node, destination node and message body. " +
			"Type status at a node prompt to see every node, or quit at any prompt to stop.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, nodesSet, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}
			reader := getBufferedReader(cmd.InOrStdin())
			if !nodesSet {
				n, err := promptNodeCount(reader, cfg.Nodes)
				if errors.Is(err, errQuit) {
					return nil
				}
				if err != nil {
					return err
				}
				cfg.Nodes = n
			}
			return runInteractive(cfg, reader)
		},
	}
}

func runInteractive(cfg ring.Config, reader *bufio.Reader) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r, err := startRing(ctx, cfg)
	if err != nil {
		logs.Fatalf(err, "failed to start a %d node ring", cfg.Nodes)
	}
	printConfig(cfg)

	finished := make(chan struct{})
	go watchRing(ctx, r, finished)

	ctl := &controller{ring: r, reader: reader}
	loopErr := ctl.loop()
	close(finished)

	if err := r.Shutdown(); err != nil {
		return err
	}
	logs.Println("Ring stopped.")
	return loopErr
}

// startRing builds and starts the ring and, when configured, its monitor.
func startRing(ctx context.Context, cfg ring.Config) (*ring.Ring, error) {
	r, err := ring.NewBuilder(cfg).Build(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		r.Shutdown()
		return nil, err
	}
	serveMonitor(ctx, r, cfg.MonitorAddr)
	return r, nil
}

func serveMonitor(ctx context.Context, r *ring.Ring, addr string) {
	if addr == "" {
		return
	}
	go func() {
		if err := monitor.New(r).Serve(ctx, addr, nil); err != nil {
			logs.Warnf("monitor stopped: %v", err)
		}
	}()
}

// watchRing ends the process when the ring dies underneath a blocked prompt.
func watchRing(ctx context.Context, r *ring.Ring, finished <-chan struct{}) {
	select {
	case <-finished:
		return
	case <-r.Done():
	}
	select {
	case <-finished:
		return
	default:
	}

	if err := r.Err(); err != nil {
		printFatal(err)
		r.Shutdown()
		atexit.Exit(1)
	}
	if ctx.Err() != nil {
		r.Shutdown()
		logs.Println("\nInterrupted.")
		atexit.Exit(130)
	}
}

func printFatal(err error) {
	var fatal *nodes.FatalError
	if errors.As(err, &fatal) {
		logs.Errorf(err, "node %d failed, ring stopped", fatal.NodeID)
		return
	}
	logs.Errorf(err, "ring stopped")
}

// controller is the human side of the admin links.
type controller struct {
	ring   *ring.Ring
	reader *bufio.Reader
}

func (c *controller) loop() error {
	logs.Printf("\n")
	logs.Titlef("--[ ringsim | %d nodes ]--\n\n", len(c.ring.IDs()))
	logs.KeyHint("status", "show every node's queue and in-flight message")
	logs.KeyHint("quit", "stop the ring and exit")
	logs.Printf("\n")

	for {
		src, err := c.promptNode("Source node")
		if err != nil {
			return c.settle(err)
		}
		dst, err := c.promptNode("Destination node")
		if err != nil {
			return c.settle(err)
		}
		body, err := c.prompt("Message")
		if err != nil {
			return c.settle(err)
		}

		m, err := c.ring.Send(src, dst, []byte(body))
		if errors.Is(err, ring.ErrNotRunning) {
			if ringErr := c.ring.Err(); ringErr != nil {
				return ringErr
			}
			return err
		}
		if err != nil {
			logs.StatusWarn(fmt.Sprintf("Not sent: %v", err))
			logs.Printf("\n")
			continue
		}
		logs.Dataf("  queued %v at node %d\n", m, src)
	}
}

// settle turns a quit at any prompt into a clean exit.
func (c *controller) settle(err error) error {
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func (c *controller) prompt(label string) (string, error) {
	logs.Promptf("%s: ", label)
	line, err := c.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errQuit
		}
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.EqualFold(strings.TrimSpace(line), "quit") {
		return "", errQuit
	}
	return line, nil
}

// promptNode asks until it gets a ring member, quit, or a read error.
func (c *controller) promptNode(label string) (int, error) {
	for {
		line, err := c.prompt(label)
		if err != nil {
			return 0, err
		}
		if strings.EqualFold(strings.TrimSpace(line), "status") {
			printStatus(c.ring.Status())
			continue
		}
		id, err := parseNodeID(line, len(c.ring.IDs()))
		if err != nil {
			logs.StatusWarn(err.Error())
			logs.Printf("\n")
			continue
		}
		return id, nil
	}
}

// parseNodeID accepts 1..n. Zero is the acknowledgement tag and never a node.
func parseNodeID(raw string, n int) (int, error) {
	raw = strings.TrimSpace(raw)
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not a node id", raw)
	}
	if id == 0 {
		return 0, fmt.Errorf("0 is reserved for acknowledgements; nodes are 1..%d", n)
	}
	if id < 0 || id > n {
		return 0, fmt.Errorf("%w: %d (nodes are 1..%d)", nodes.ErrUnknownNode, id, n)
	}
	return id, nil
}

func promptNodeCount(reader *bufio.Reader, def int) (int, error) {
	for {
		logs.Promptf("Number of nodes (default: %d): ", def)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return def, nil
			}
			return 0, fmt.Errorf("failed to read node count: %w", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			return def, nil
		case strings.EqualFold(line, "quit"):
			return 0, errQuit
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > ring.MaxNodes {
			logs.StatusWarn(fmt.Sprintf("Enter a number between 1 and %d.", ring.MaxNodes))
			logs.Printf("\n")
			continue
		}
		return n, nil
	}
}

func getBufferedReader(input io.Reader) *bufio.Reader {
	if reader, ok := input.(*bufio.Reader); ok {
		return reader
	}
	return bufio.NewReader(input)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/danmuck/token_ring/src/operations/trace"
	"github.com/danmuck/token_ring/src/ring"
	logs "github.com/danmuck/smplog"
	"github.com/spf13/cobra"
)

// sendOrder is one scripted message, written src:dst:body on the command line.
type sendOrder struct {
	src, dst int
	body     string
}

func parseSendOrder(raw string, n int) (sendOrder, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return sendOrder{}, fmt.Errorf("send %q: want src:dst:body", raw)
	}
	src, err := parseNodeID(parts[0], n)
	if err != nil {
		return sendOrder{}, fmt.Errorf("send %q source: %w", raw, err)
	}
	dst, err := parseNodeID(parts[1], n)
	if err != nil {
		return sendOrder{}, fmt.Errorf("send %q destination: %w", raw, err)
	}
	return sendOrder{src: src, dst: dst, body: parts[2]}, nil
}

func newDemoCmd(flags *ringFlags) *cobra.Command {
	var (
		sends    []string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run scripted sends and print the hop trace.",
		Example: "  ringsim demo -n 4 --send 1:3:hello --send 4:2:world\n" +
			"  ringsim demo --trace local/trace.sqlite --trace-idle --duration 500ms",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}
			if len(sends) == 0 {
				sends = []string{fmt.Sprintf("1:%d:hello", cfg.Nodes)}
			}
			orders := make([]sendOrder, 0, len(sends))
			for _, raw := range sends {
				order, err := parseSendOrder(raw, cfg.Nodes)
				if err != nil {
					return err
				}
				orders = append(orders, order)
			}
			return runDemo(cfg, orders, duration)
		},
	}
	cmd.Flags().StringArrayVar(&sends, "send", nil, "message to send as src:dst:body (repeatable)")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "how long to wait for every message to settle")
	return cmd
}

func runDemo(cfg ring.Config, orders []sendOrder, duration time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mem := trace.NewMemoryRecorder()
	recorder := trace.Tee{mem}
	if cfg.TracePath != "" {
		sqlRec, err := trace.NewSQLiteRecorder(cfg.TracePath)
		if err != nil {
			return err
		}
		defer sqlRec.Close()
		recorder = append(recorder, sqlRec)
		logs.Infof("recording run %s to %s", sqlRec.RunID(), cfg.TracePath)
	}

	r, err := ring.NewBuilder(cfg).WithRecorder(recorder).Build(ctx)
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		r.Shutdown()
		return err
	}
	serveMonitor(ctx, r, cfg.MonitorAddr)
	printConfig(cfg)

	for _, order := range orders {
		m, err := r.Send(order.src, order.dst, []byte(order.body))
		if err != nil {
			r.Shutdown()
			return fmt.Errorf("send %d->%d: %w", order.src, order.dst, err)
		}
		logs.Debugf("demo: queued %v at node %d", m, order.src)
	}

	settled, waitErr := waitSettled(ctx, mem, len(orders), duration)
	status := r.Status()
	ringErr := r.Shutdown()

	if cfg.TraceIdle {
		printTrace(mem.Events())
	} else {
		printTrace(mem.Filter(func(e trace.Event) bool { return e.Action != trace.ActionIdle }))
	}
	printStatus(status)

	if ringErr != nil {
		printFatal(ringErr)
		return ringErr
	}
	if waitErr != nil {
		logs.StatusWarn(fmt.Sprintf("%d of %d messages settled: %v", settled, len(orders), waitErr))
		logs.Printf("\n")
	}
	return nil
}

// waitSettled blocks until n messages were retired or dropped.
func waitSettled(ctx context.Context, rec *trace.MemoryRecorder, n int, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	settled := 0
	_, err := rec.WaitFor(ctx, func(e trace.Event) bool {
		switch e.Action {
		case trace.ActionRetire, trace.ActionDrop:
			settled++
		case trace.ActionFault:
			return true
		}
		return settled >= n
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return settled, fmt.Errorf("timed out after %s", timeout)
	}
	return settled, err
}

package main

import (
	"fmt"

	"github.com/danmuck/token_ring/src/api/nodes"
	"github.com/danmuck/token_ring/src/operations/trace"
	logs "github.com/danmuck/smplog"
)

func printStatus(statuses []nodes.Status) {
	logs.Printf("\n")
	logs.Titlef("--[ nodes ]--\n\n")
	logs.Dataf("  %-5s %-8s %-6s %-10s %-6s %-6s %-6s %-6s %-6s\n",
		"node", "state", "queue", "in flight", "sent", "recv", "fwd", "retry", "drop")
	for _, s := range statuses {
		state := "running"
		if !s.Running {
			state = "stopped"
		}
		inFlight := "-"
		if s.InFlight {
			inFlight = fmt.Sprintf("#%d (%d)", s.InFlightID, s.Attempts+1)
		}
		logs.Dataf("  %-5d %-8s %-6d %-10s %-6d %-6d %-6d %-6d %-6d\n",
			s.ID, state, s.QueueDepth, inFlight, s.Sent, s.Received, s.Forwarded, s.Retried, s.Dropped)
	}
	logs.Divider(0)
}

func printTrace(events []trace.Event) {
	logs.Printf("\n")
	logs.Titlef("--[ trace | %d hops ]--\n\n", len(events))
	for _, e := range events {
		logs.Dataf("  %5d  node %-4d %-8s frame %-5d tag %-6q %q\n", e.Seq, e.NodeID, e.Action, e.FrameID, e.Tag, e.Body)
	}
	logs.Divider(0)
}

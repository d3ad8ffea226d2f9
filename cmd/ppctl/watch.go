package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/powerplant/internal/network"
	"github.com/danmuck/powerplant/internal/protocol/schema"
	"github.com/danmuck/powerplant/internal/protocol/wire"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	group     string
	iface     string
	count     int
	heartbeat bool
}

func newWatchCommand() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print Join and Leave announcements seen on the discovery group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := network.DefaultConfig()
			cfg.Name = "ppctl"
			cfg.Group = opts.group
			cfg.Interface = opts.iface
			a, err := network.ListenMulticast(cfg)
			if err != nil {
				return err
			}
			return watch(cmd.Context(), a, cmd.OutOrStdout(), opts.count, opts.heartbeat)
		},
	}
	cmd.Flags().StringVar(&opts.group, "group", network.DefaultGroup, "multicast discovery group")
	cmd.Flags().StringVar(&opts.iface, "interface", "", "multicast interface name")
	cmd.Flags().IntVar(&opts.count, "count", 0, "stop after this many announcements (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.heartbeat, "heartbeats", false, "print every Join, not only the first per instance")
	return cmd
}

// watch prints announcements from a until ctx ends or count announcements
// have been printed. It closes a.
func watch(ctx context.Context, a network.Announcer, out io.Writer, count int, heartbeats bool) error {
	go func() {
		<-ctx.Done()
		_ = a.Close()
	}()
	defer a.Close()

	seen := make(map[string]struct{})
	printed := 0
	for count <= 0 || printed < count {
		p, err := a.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, network.ErrAnnouncerClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		ann, err := wire.DecodeAnnouncement(p.Data)
		if err != nil {
			warn(out, "%s malformed announcement from %s: %v\n", stamp(), p.Source, err)
			continue
		}
		key := fmt.Sprintf("%s/%s", ann.Name, ann.Instance)
		switch ann.Kind {
		case schema.MsgJoin:
			if _, ok := seen[key]; ok && !heartbeats {
				continue
			}
			seen[key] = struct{}{}
			success(out, "%s JOIN  ", stamp())
		case schema.MsgLeave:
			delete(seen, key)
			failure(out, "%s LEAVE ", stamp())
		}
		fmt.Fprintf(out, "%s %s:%d udp=%d instance=%s seq=%d\n",
			ann.Name, wire.U32ToAddr(ann.Address), ann.TCPPort, ann.UDPPort, ann.Instance, ann.Sequence)
		printed++
	}
	return nil
}

func stamp() string {
	return time.Now().Format("15:04:05.000")
}

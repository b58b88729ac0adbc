// Command bukrsctl issues bukrs requests from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dolphin2410/bukrs/client"
	"github.com/dolphin2410/bukrs/loadbalance"
	"github.com/dolphin2410/bukrs/packets"
	"github.com/dolphin2410/bukrs/registry"
	"github.com/dolphin2410/bukrs/transport"
)

type globalFlags struct {
	addr     string
	etcd     []string
	service  string
	balancer string
	key      string
	timeout  time.Duration
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bukrsctl: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "bukrsctl",
		Short:         "Query a bukrs server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.addr, "addr", "127.0.0.1:25565", "server address, ignored when --etcd is set")
	pf.StringSliceVar(&g.etcd, "etcd", nil, "etcd endpoints to discover servers from")
	pf.StringVar(&g.service, "service", "bukrs", "service name to discover")
	pf.StringVar(&g.balancer, "balancer", "roundrobin", "roundrobin, random or hash")
	pf.StringVar(&g.key, "key", "", "key pinned to one server by the hash balancer")
	pf.DurationVar(&g.timeout, "timeout", 5*time.Second, "request timeout")

	root.AddCommand(handshakeCmd(&g), playersCmd(&g), playerCmd(&g))
	return root
}

func newBalancer(name, key string) (loadbalance.Balancer, error) {
	switch strings.ToLower(name) {
	case "roundrobin", "rr":
		return &loadbalance.RoundRobinBalancer{}, nil
	case "random", "weighted":
		return &loadbalance.WeightedRandomBalancer{}, nil
	case "hash":
		if key == "" {
			return nil, errors.New("hash balancer needs --key")
		}
		return loadbalance.NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}

// connect dials the server named by the flags, through etcd when endpoints
// are given. The returned func releases everything.
func connect(ctx context.Context, g *globalFlags) (*client.Conn, func(), error) {
	schema, err := packets.NewSchema()
	if err != nil {
		return nil, nil, err
	}
	if len(g.etcd) == 0 {
		conn, err := client.Dial(ctx, g.addr, schema, client.WithDialTimeout(g.timeout))
		if err != nil {
			return nil, nil, err
		}
		return conn, func() { conn.Close() }, nil
	}

	bal, err := newBalancer(g.balancer, g.key)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.NewEtcdRegistry(g.etcd, g.timeout, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	c := client.NewClient(reg, bal, g.service, schema, client.WithDialTimeout(g.timeout))
	conn, err := c.Connect(ctx)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	return conn, func() {
		c.Close()
		reg.Close()
	}, nil
}

func withConn(g *globalFlags, fn func(ctx context.Context, cmd *cobra.Command, conn *client.Conn) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
		defer cancel()
		conn, release, err := connect(ctx, g)
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx, cmd, conn)
	}
}

func handshakeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "handshake",
		Short: "Connect and print the assigned client id",
		Args:  cobra.NoArgs,
		RunE: withConn(g, func(_ context.Context, cmd *cobra.Command, conn *client.Conn) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s client_id=%d\n", conn.Addr, conn.ClientID)
			return nil
		}),
	}
}

func playersCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "players",
		Short: "List online player ids",
		Args:  cobra.NoArgs,
		RunE: withConn(g, func(ctx context.Context, cmd *cobra.Command, conn *client.Conn) error {
			res, err := transport.Call[packets.BukrsResOnlinePlayers](ctx, conn.ClientTransport, packets.BukrsReqOnlinePlayers{})
			if err != nil {
				return err
			}
			for _, id := range res.Players {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		}),
	}
}

func playerCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "player <name|id>",
		Short: "Look up one player by name, or by id when the argument is numeric",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		query := args[0]
		return withConn(g, func(ctx context.Context, cmd *cobra.Command, conn *client.Conn) error {
			var req any = packets.BukrsReqPlayerByName{Name: query}
			if id, err := strconv.ParseUint(query, 10, 32); err == nil {
				req = packets.BukrsReqPlayerByID{Player: packets.PlayerID(id)}
			}
			res, err := transport.Call[packets.BukrsResPlayerData](ctx, conn.ClientTransport, req)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("player %q: no reply (unknown player?)", query)
			}
			if err != nil {
				return err
			}
			d := res.Data
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%016x%016x\n", d.ID, d.Name, d.UUID.MSB, d.UUID.LSB)
			return nil
		})(c, args)
	}
	return cmd
}

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shenjiangwei/kmem/kmem"
	"github.com/shenjiangwei/kmem/rpc"
)

var (
	serveAddr  string
	servePages uint64
	serveNodes int
	serveCPUs  int
)

func init() {
	cmd := newServeCmd()
	cmd.Flags().StringVar(&serveAddr, "addr", "localhost:1234", "Address to listen on")
	cmd.Flags().Uint64Var(&servePages, "pages", 262144, "Total physical pages in the synthetic map")
	cmd.Flags().IntVar(&serveNodes, "nodes", 1, "NUMA nodes to spread Normal memory over")
	cmd.Flags().IntVar(&serveCPUs, "cpus", 4, "Per-CPU cache slots")
	rootCmd.AddCommand(cmd)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve an allocator over RPC",
		Long: `The serve command initializes an allocator over a synthetic memory map
and exposes it as the KMem net/rpc service until interrupted.

Example:
  kmemsim serve --addr :7070 --pages 1048576 --nodes 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAllocator(servePages, serveNodes, serveCPUs)
			if err != nil {
				return err
			}
			server, err := rpc.NewServer(a)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigs
				kmem.Info("Shutting down server")
				if err := server.Close(); err != nil {
					kmem.Error("Server shutdown: %v", err)
				}
			}()
			return server.Start(serveAddr)
		},
	}
}

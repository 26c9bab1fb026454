package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/hashicorp/raft"

	"github.com/cfgmesh/cfgmesh/pkg/api"
	"github.com/cfgmesh/cfgmesh/pkg/bistream"
	"github.com/cfgmesh/cfgmesh/pkg/configstore"
	"github.com/cfgmesh/cfgmesh/pkg/distro"
	"github.com/cfgmesh/cfgmesh/pkg/fsm"
	"github.com/cfgmesh/cfgmesh/pkg/log"
	"github.com/cfgmesh/cfgmesh/pkg/namingstore"
	"github.com/cfgmesh/cfgmesh/pkg/notify"
	"github.com/cfgmesh/cfgmesh/pkg/raftcore"
	"github.com/cfgmesh/cfgmesh/pkg/raftindex"
	"github.com/cfgmesh/cfgmesh/pkg/route"
	"github.com/cfgmesh/cfgmesh/pkg/table"
	"github.com/cfgmesh/cfgmesh/pkg/transport"
	"github.com/cfgmesh/cfgmesh/pkg/types"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cfgmeshd",
	Short:   "cfgmesh - configuration and service discovery server",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cfgmeshd version %s\ncommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", envOr("CFGMESH_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", envOrBool("CFGMESH_LOG_JSON", false), "output logs as JSON")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapInfoCmd)

	serveCmd.Flags().Uint64("raft-node-id", envOrUint64("CFGMESH_RAFT_NODE_ID", 1), "this node's Raft server ID")
	serveCmd.Flags().String("raft-node-addr", envOr("CFGMESH_RAFT_NODE_ADDR", "127.0.0.1:8300"), "address other nodes dial for Raft RPCs")
	serveCmd.Flags().String("config-db-dir", envOr("CFGMESH_CONFIG_DB_DIR", "./cfgmesh-data"), "directory for the segmented log, snapshot, and index files")
	serveCmd.Flags().Bool("raft-auto-init", envOrBool("CFGMESH_RAFT_AUTO_INIT", true), "bootstrap a brand-new single-node cluster if the data directory is empty")
	serveCmd.Flags().String("raft-join-addr", envOr("CFGMESH_RAFT_JOIN_ADDR", ""), "existing cluster's Raft address; when set, this node skips bootstrapping and waits for the leader to add it (no join request is sent)")
	serveCmd.Flags().String("nats-host", envOr("CFGMESH_NATS_HOST", "127.0.0.1"), "bind host for the embedded NATS transport")
	serveCmd.Flags().Int("nats-port", envOrInt("CFGMESH_NATS_PORT", 4300), "bind port for the embedded NATS transport")
	serveCmd.Flags().String("cluster-id", envOr("CFGMESH_CLUSTER_ID", "default"), "cluster identifier stamped on distro gossip")

	bootstrapInfoCmd.Flags().String("config-db-dir", envOr("CFGMESH_CONFIG_DB_DIR", "./cfgmesh-data"), "directory holding the segmented log, snapshot, and index files")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrUint64(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a cfgmesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetUint64("raft-node-id")
		raftAddr, _ := cmd.Flags().GetString("raft-node-addr")
		dataDir, _ := cmd.Flags().GetString("config-db-dir")
		autoInit, _ := cmd.Flags().GetBool("raft-auto-init")
		joinAddr, _ := cmd.Flags().GetString("raft-join-addr")
		natsHost, _ := cmd.Flags().GetString("nats-host")
		natsPort, _ := cmd.Flags().GetInt("nats-port")
		clusterID, _ := cmd.Flags().GetString("cluster-id")

		logger := log.WithNodeID(fmt.Sprint(nodeID))

		trans, err := transport.Open(transport.Config{Host: natsHost, Port: natsPort})
		if err != nil {
			return fmt.Errorf("open transport: %w", err)
		}

		configs := configstore.New()
		tables, err := table.Open(filepath.Join(dataDir, "tables.db"))
		if err != nil {
			return fmt.Errorf("open table store: %w", err)
		}
		naming := namingstore.New()

		var node *raftcore.Node
		node, err = raftcore.New(raftcore.Config{
			NodeID:   nodeID,
			BindAddr: raftAddr,
			DataDir:  dataDir,
		}, func(nodeAddrs *raftindex.Index) raft.FSM {
			return fsm.New(configs, tables, nodeAddrs)
		})
		if err != nil {
			return fmt.Errorf("start raft core: %w", err)
		}

		if joinAddr == "" && autoInit {
			if err := node.Bootstrap(); err != nil {
				logger.Warn().Err(err).Msg("bootstrap skipped, cluster likely already initialized")
			}
		}

		members := func() []uint64 {
			servers, err := node.Configuration()
			if err != nil {
				return nil
			}
			out := make([]uint64, 0, len(servers))
			for _, srv := range servers {
				if id, err := strconv.ParseUint(string(srv.ID), 10, 64); err == nil {
					out = append(out, id)
				}
			}
			return out
		}

		d := distro.New(nodeID, clusterID, members, naming, trans)

		push := func(connID string, key types.ServiceKey) bool {
			return trans.Publish("cfgmesh.bistream.naming."+connID, key) == nil
		}
		bi := bistream.New(push)
		bi.SetConfigPush(func(connID string, key types.ConfigKey) bool {
			return trans.Publish("cfgmesh.bistream.config."+connID, key) == nil
		})

		n := notify.New(func(keys []types.ServiceKey) {
			for _, key := range keys {
				bi.NotifyNaming(key)
			}
		})
		naming.SetChangeHandler(n.Notify)
		configs.SetNotifyHandler(bi.NotifyConfig)

		router := route.New(nodeID, node, trans, d, naming)
		if err := router.Start(); err != nil {
			return fmt.Errorf("start command route: %w", err)
		}

		apiHandler := api.New(configs, naming, router, bi)
		bi.SetCloseHandler(apiHandler.RemoveClient)
		if err := d.Start(); err != nil {
			return fmt.Errorf("start distro gossip: %w", err)
		}

		var g run.Group
		{
			cancel := make(chan struct{})
			g.Add(func() error { <-cancel; return nil }, func(error) { d.Stop(); close(cancel) })
		}
		{
			configs.Start()
			cancel := make(chan struct{})
			g.Add(func() error { <-cancel; return nil }, func(error) { configs.Stop(); close(cancel) })
		}
		{
			naming.Start()
			cancel := make(chan struct{})
			g.Add(func() error { <-cancel; return nil }, func(error) { naming.Stop(); close(cancel) })
		}
		{
			bi.Start()
			cancel := make(chan struct{})
			g.Add(func() error { <-cancel; return nil }, func(error) { bi.Stop(); close(cancel) })
		}
		{
			sigCh := make(chan os.Signal, 1)
			cancel := make(chan struct{})
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			g.Add(func() error {
				select {
				case <-sigCh:
					logger.Info().Msg("received interrupt, shutting down")
				case <-cancel:
				}
				return nil
			}, func(error) { close(cancel) })
		}

		logger.Info().Str("raft_addr", raftAddr).Str("nats_url", trans.ClientURL()).Msg("cfgmesh node starting")
		err = g.Run()

		n.Flush()
		if shutdownErr := node.Shutdown(); shutdownErr != nil {
			logger.Error().Err(shutdownErr).Msg("raft shutdown error")
		}
		if closeErr := tables.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("table store close error")
		}
		trans.Close()
		logger.Info().Msg("cfgmesh node stopped")
		return err
	},
}

var bootstrapInfoCmd = &cobra.Command{
	Use:   "bootstrap-info",
	Short: "print this node's data directory without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("config-db-dir")
		fmt.Printf("data directory: %s\n", dataDir)
		fmt.Println("start the node with `cfgmeshd serve` to see live Raft stats")
		return nil
	},
}

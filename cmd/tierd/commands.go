package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logFormat  string

	// tier overrides
	tierID    string
	parentMid string
	dataDir   string
	seedFile  string
	adminAddr string

	// broker overrides
	brokerKind string
	brokerAddr string

	// tools
	eventRoom  string
	eventUser  string
	seedOut    string
	authorText string
	tokenRole  string
	tokenSub   string
	tokenTier  string

	rootCmd = &cobra.Command{
		Use:   "tierd",
		Short: "Hierarchical bigraph sync and escalation for building automation",
		Long: `tierd runs a hub, mid or cloud tier. Hubs apply stored rules to
local events, mids and the cloud resolve what hubs cannot, and the
cloud keeps the master graph of the building.`,
		SilenceUsage: true,
	}

	// --- Tiers ---
	hubCmd = &cobra.Command{
		Use:   "hub",
		Short: "Run a hub: apply stored rules to room events",
		RunE:  runTier("hub"), // Defined in agent.go
	}
	midCmd = &cobra.Command{
		Use:   "mid",
		Short: "Run a mid: serve hub slices and resolve hub escalations",
		RunE:  runTier("mid"),
	}
	cloudCmd = &cobra.Command{
		Use:   "cloud",
		Short: "Run the cloud: keep the master graph and resolve mid escalations",
		RunE:  runTier("cloud"),
	}

	// --- Transport ---
	brokerCmd = &cobra.Command{
		Use:   "broker",
		Short: "Run the forwarder for socket brokers (nng, zmq)",
		RunE:  runBroker, // Defined in tools.go
	}

	// --- Operator tools ---
	sendEventCmd = &cobra.Command{
		Use:   "send-event <hub> <type>",
		Short: "Publish an automation event to a hub",
		Args:  cobra.ExactArgs(2),
		RunE:  runSendEvent, // Defined in tools.go
	}
	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Write the demo building graph to a file",
		RunE:  runSeed, // Defined in tools.go
	}
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin listener",
		RunE:  runToken, // Defined in tools.go
	}
	authorCmd = &cobra.Command{
		Use:   "author",
		Short: "Turn free-text requests into hub rules",
		Long: `author refreshes its copy of the master graph from the cloud, asks
the decision oracle for rules implementing a request, checks them and
publishes them to the hubs they touch. Without --text it opens an
interactive console.`,
		RunE: runAuthor, // Defined in author.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML config file (CLUSO_* variables override it)")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default from config, else info)")
	pf.StringVar(&logFormat, "log-format", "", "json or text (default from config, else json)")
	pf.StringVar(&brokerKind, "broker", "", "broker kind: memory, redis, nng or zmq")
	pf.StringVar(&brokerAddr, "broker-addr", "", "redis address")

	for _, cmd := range []*cobra.Command{hubCmd, midCmd, cloudCmd} {
		f := cmd.Flags()
		f.StringVar(&tierID, "id", "", "tier id")
		f.StringVar(&dataDir, "data-dir", "", "directory for graph state and rules")
		f.StringVar(&adminAddr, "admin-addr", "", "metrics and health listener; empty keeps the config value")
	}
	hubCmd.Flags().StringVar(&parentMid, "parent-mid", "", "mid to escalate to; empty escalates to the cloud")
	cloudCmd.Flags().StringVar(&seedFile, "seed", "", "graph file to seed the master from")

	sendEventCmd.Flags().StringVar(&eventRoom, "room", "", "room name carried in the event")
	sendEventCmd.Flags().StringVar(&eventUser, "user", "", "user id carried in the event")

	seedCmd.Flags().StringVarP(&seedOut, "out", "o", "building.cbor", "output file; a .json suffix writes JSON")

	authorCmd.Flags().StringVar(&authorText, "text", "", "one-shot request; skips the console")
	authorCmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the master graph copy")

	tokenCmd.Flags().StringVar(&tokenRole, "role", "viewer", "viewer or operator")
	tokenCmd.Flags().StringVar(&tokenSub, "subject", "", "who the token is for")
	tokenCmd.Flags().StringVar(&tokenTier, "tier", "", "pin the token to one tier id")
	_ = tokenCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(hubCmd, midCmd, cloudCmd, brokerCmd, sendEventCmd, seedCmd, tokenCmd, authorCmd)
}

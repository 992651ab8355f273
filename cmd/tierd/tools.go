package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-bigraph/pkg/auth"
	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/config"
	"github.com/dd0wney/cluso-bigraph/pkg/demo"
	"github.com/dd0wney/cluso-bigraph/pkg/fsutil"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
	"github.com/dd0wney/cluso-bigraph/pkg/validation"
)

const publishTimeout = 5 * time.Second

func runBroker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	logger := newLogger(cfg).With(logging.Component("broker"))

	fwd, err := transport.OpenForwarder(transport.Options{
		Kind:    cfg.Broker.Kind,
		Ingress: cfg.Broker.Ingress,
		Egress:  cfg.Broker.Egress,
	}, logger)
	if err != nil {
		return err
	}
	defer fwd.Close()

	logger.Info("forwarder running",
		logging.String("kind", cfg.Broker.Kind),
		logging.String("ingress", cfg.Broker.Ingress),
		logging.String("egress", cfg.Broker.Egress))
	return fwd.Run(ctx)
}

// eventPayload builds the JSON body of an automation event
func eventPayload(eventType, room, user string, now time.Time) ([]byte, error) {
	if strings.TrimSpace(eventType) == "" {
		return nil, fmt.Errorf("event type is required")
	}
	ev := map[string]any{
		"type":      eventType,
		"timestamp": float64(now.UnixMilli()) / 1000,
	}
	if room != "" {
		ev["room"] = room
	}
	if user != "" {
		ev["user_id"] = user
	}
	return json.Marshal(ev)
}

func runSendEvent(cmd *cobra.Command, args []string) error {
	hub, eventType := args[0], args[1]
	if err := validation.ValidateTierID(hub); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	payload, err := eventPayload(eventType, eventRoom, eventUser, time.Now())
	if err != nil {
		return err
	}

	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), publishTimeout)
	defer cancel()

	broker, err := openBroker(ctx, cfg, newLogger(cfg))
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer broker.Close()

	channel := transport.EventsChannel(hub)
	if err := broker.Publish(ctx, channel, payload); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", eventType, channel)
	return nil
}

// encodeSeed encodes g as JSON when path ends in .json, else as CBOR
func encodeSeed(g bigraph.Bigraph, path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.MarshalIndent(g, "", "  ")
	}
	return bigraph.EncodeGraph(g)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	g := demo.Building()
	data, err := encodeSeed(g, seedOut)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(seedOut, data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d nodes to %s\n", g.Len(), seedOut)
	return nil
}

// issueToken signs an admin token with the configured secret
func issueToken(cfg *config.Config, subject, role, tier string) (string, error) {
	if cfg.Admin.TokenSecret == "" {
		return "", fmt.Errorf("admin.token_secret is not set")
	}
	if tier != "" {
		if err := validation.ValidateTierID(tier); err != nil {
			return "", fmt.Errorf("tier: %w", err)
		}
	}
	tokens, err := auth.NewTokenManager(cfg.Admin.TokenSecret, cfg.Admin.TokenTTL)
	if err != nil {
		return "", err
	}
	return tokens.Generate(subject, role, tier)
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	token, err := issueToken(cfg, tokenSub, tokenRole, tokenTier)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

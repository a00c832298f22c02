// iris-chat - A peer-to-peer encrypted chat client.
// Copyright (C) 2026 iris-chat contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"

	"github.com/irislib/iris-chat/pkg/reconcile"
)

func main() {
	app := &cli.App{
		Name:    "irisd",
		Usage:   "Reconcile decrypted chat payloads into a local message store",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: "config.yaml",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			initConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var initConfigCommand = &cli.Command{
	Name:  "init-config",
	Usage: "Write the example config to the --config path",
	Action: func(ctx *cli.Context) error {
		path := ctx.String("config")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		return os.WriteFile(path, []byte(reconcile.ExampleConfig), 0o600)
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Read decrypted payload events as NDJSON on stdin, emit outbound rumors on stdout",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "create-sessions",
			Usage: "Materialize a new session when a payload resolves to none",
		},
		&cli.IntFlag{
			Name:  "recent",
			Usage: "How many recent messages to restore per session on startup",
			Value: 50,
		},
	},
	Action: run,
}

// inboundEvent is one decrypted payload as handed over by the decryption
// collaborator: sender key, inner payload JSON, outer envelope metadata.
type inboundEvent struct {
	SenderKey    string          `json:"sender_key"`
	Payload      json.RawMessage `json:"payload"`
	OuterEventID string          `json:"outer_event_id"`
	OuterTS      int64           `json:"outer_ts"` // unix milliseconds
}

// stdoutPublisher writes outbound rumors as NDJSON for the encryption and
// relay collaborators downstream in the pipe.
type stdoutPublisher struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type outboundEvent struct {
	RecipientKey string           `json:"recipient_key"`
	Rumor        *reconcile.Rumor `json:"rumor"`
}

func (p *stdoutPublisher) Publish(_ context.Context, recipientKey string, rumor *reconcile.Rumor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(outboundEvent{RecipientKey: recipientKey, Rumor: rumor})
}

func run(ctx *cli.Context) error {
	cfg, err := reconcile.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}

	level, _ := zerolog.ParseLevel(cfg.Logging.Level)
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger().Level(level)

	db, err := dbutil.NewFromConfig("iris-chat", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         cfg.Database.Type,
			URI:          cfg.Database.URI,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		},
	}, dbutil.ZeroLogger(log))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := reconcile.NewSQLStore(db, log)
	if err := store.EnsureSchema(ctx.Context); err != nil {
		return err
	}

	engine := reconcile.NewEngine(cfg.Identity.PubKey, store, &stdoutPublisher{enc: json.NewEncoder(os.Stdout)}, log)
	defer engine.Close()
	for _, key := range cfg.Identity.DeviceKeys {
		engine.RegisterOwnDeviceKey(key)
	}
	engine.SetPreferences(cfg.Receipts)
	engine.OnTypingChanged = func(sessionID string, isTyping bool) {
		log.Info().Str("session_id", sessionID).Bool("is_typing", isTyping).Msg("Typing presence changed")
	}
	if err := engine.LoadState(ctx.Context, ctx.Int("recent")); err != nil {
		return err
	}

	stopWatch, err := reconcile.WatchConfig(ctx.String("config"), log, func(newCfg *reconcile.Config) {
		engine.SetPreferences(newCfg.Receipts)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config hot-reload unavailable")
	} else {
		defer stopWatch()
	}

	createSessions := ctx.Bool("create-sessions")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev inboundEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn().Err(err).Msg("Skipping unparseable input line")
			continue
		}
		reconciled, err := receiveEvent(ctx.Context, engine, cfg, &ev, createSessions)
		switch {
		case errors.Is(err, reconcile.ErrSessionNotFound):
			log.Debug().Str("sender_key", ev.SenderKey).Msg("Payload resolved to no session")
		case err != nil:
			log.Warn().Err(err).Str("sender_key", ev.SenderKey).Msg("Failed to reconcile payload")
		case reconciled != "":
			log.Info().Str("message_id", reconciled).Msg("Optimistic send confirmed")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// receiveEvent feeds one event into the engine, optionally materializing
// a session on first contact. Sessions are keyed on the peer's logical
// owner key when the payload names one; the raw sender key is registered
// as a device alias in that case.
func receiveEvent(ctx context.Context, engine *reconcile.Engine, cfg *reconcile.Config, ev *inboundEvent, createSessions bool) (string, error) {
	outerTS := time.UnixMilli(ev.OuterTS)
	reconciled, err := engine.ReceiveDecrypted(ctx, ev.SenderKey, ev.Payload, ev.OuterEventID, outerTS)
	if !createSessions || !errors.Is(err, reconcile.ErrSessionNotFound) {
		return reconciled, err
	}

	peerKey := ev.SenderKey
	var deviceKeys []string
	if rumor, perr := reconcile.ParseRumor(ev.Payload); perr == nil {
		if owner := rumor.OwnerKey(); owner != "" && !isOwnKey(cfg, owner) {
			peerKey = owner
			if ev.SenderKey != owner && !isOwnKey(cfg, ev.SenderKey) {
				deviceKeys = append(deviceKeys, ev.SenderKey)
			}
		}
	}
	if isOwnKey(cfg, peerKey) {
		// Self-echo with no resolvable peer: nothing to create.
		return reconciled, err
	}
	if _, cerr := engine.CreateSession(peerKey, deviceKeys...); cerr != nil {
		return "", cerr
	}
	return engine.ReceiveDecrypted(ctx, ev.SenderKey, ev.Payload, ev.OuterEventID, outerTS)
}

func isOwnKey(cfg *reconcile.Config, key string) bool {
	return key == cfg.Identity.PubKey || slices.Contains(cfg.Identity.DeviceKeys, key)
}

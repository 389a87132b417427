package main

import (
	"context"
	"encoding/json"
	"fmt"
	"pairchat/backend/internal/config"
	"pairchat/backend/internal/queue"
	"pairchat/backend/internal/session"
	"pairchat/backend/internal/signaling"
	"pairchat/backend/internal/storage"
	"pairchat/backend/pkg/logger"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// deps are the stores an admin command works against.
type deps struct {
	cfg   *config.Config
	store *storage.Service
	log   *logrus.Logger
	close func()
}

func connect(ctx context.Context, configPath string) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{Level: "warn", Format: logger.TextFormat})

	db, err := storage.OpenDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	return &deps{
		cfg:   cfg,
		store: storage.NewStorageService(db, rdb),
		log:   log,
		close: func() {
			_ = rdb.Close()
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	}, nil
}

func newEndSessionCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "end-session <session_id>",
		Short: "End an active session and release both participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer d.close()

			// Events are not published from the CLI.
			coord := session.NewCoordinator(d.store, nil, session.Config{
				LookupTTL:       d.cfg.Session.LookupTTL,
				MessageRefLimit: d.cfg.Session.MessageRefLimit,
				MessageRefTTL:   d.cfg.Session.MessageRefTTL,
			}, d.log)
			res, err := coord.EndSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !res.Ended {
				fmt.Fprintf(out, "Session %s was already ended.\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "Session %s ended (messages: %d / %d).\n", args[0], res.CountA, res.CountB)
			if res.Session.CallRoomID != "" {
				fmt.Fprintf(out, "Call room %s is still open; run delete-room to close it.\n", res.Session.CallRoomID)
			}
			return nil
		},
	}
}

func newDeleteRoomCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-room <room_id>",
		Short: "End a signaling room and close its live connections on every instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer d.close()

			relay := signaling.NewRelayService(d.store,
				signaling.NewTokenIssuer(d.cfg.Signaling.TokenSecret, d.cfg.Signaling.TokenTTL),
				signaling.Config{RoomTTL: d.cfg.Signaling.RoomTTL, CallDomain: d.cfg.Signaling.CallDomain, InstanceID: "admin"},
				d.log)
			if err := relay.DeleteRoom(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Room %s deleted.\n", args[0])
			return nil
		},
	}
}

func newQueueStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "queue-stats",
		Short: "Print waiting counts per kind and gender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer d.close()

			if d.cfg.Queue.Backend != "redis" {
				return fmt.Errorf("queue-stats needs the redis backend, got %q", d.cfg.Queue.Backend)
			}
			q, err := queue.New(d.cfg.Queue.Backend, d.store.Redis, d.cfg.Queue.TicketTTL)
			if err != nil {
				return err
			}
			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printStats(cmd, stats)
		},
	}
}

func printStats(cmd *cobra.Command, stats queue.Stats) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

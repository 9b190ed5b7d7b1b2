// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/cave/pkg/logging"
	"github.com/AleutianAI/cave/services/cave"
	"github.com/AleutianAI/cave/services/cave/apps"
	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/config"
	"github.com/AleutianAI/cave/services/cave/middleware"
	"github.com/AleutianAI/cave/services/cave/session"
)

// cli holds state shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
	logger     *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	rootCmd := &cobra.Command{
		Use:           "cave",
		Short:         "Run and administer the CAVE dashboard server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if c.logger != nil {
				return c.logger.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configPath, "config", os.Getenv("CAVE_CONFIG"), "path to a YAML config file")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or text (default: text on a terminal)")
	flags.String("app", "lightbulb", "app to serve")
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = c.v.BindPFlag("server.app", flags.Lookup("app"))

	rootCmd.AddCommand(
		c.serveCmd(),
		c.backupCmd(),
		c.sessionCmd(),
		c.tokenCmd(),
		c.validateCmd(),
	)
	return rootCmd
}

func (c *cli) setup() error {
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	c.logger, err = logging.New(logging.Config{
		Level:   level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Service: "cave",
	})
	if err != nil {
		return err
	}
	slog.SetDefault(c.logger.Slog())
	return nil
}

// =============================================================================
// serve
// =============================================================================

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := cave.New(c.cfg, nil)
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}
	cmd.Flags().Int("port", 12210, "HTTP port")
	_ = c.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

// =============================================================================
// backup
// =============================================================================

func (c *cli) backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect or trigger session backups",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users with a backed-up session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.backupList(cmd.Context(), cmd.OutOrStdout())
		},
	}

	var output string
	showCmd := &cobra.Command{
		Use:   "show [user-id]",
		Short: "Print one backed-up session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.backupShow(cmd.Context(), cmd.OutOrStdout(), args[0], output)
		},
	}
	showCmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")

	var server, token string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Ask a running server to back up now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return backupRun(cmd.Context(), cmd.OutOrStdout(), server, token)
		},
	}
	runCmd.Flags().StringVar(&server, "server", "http://localhost:12210", "server base URL")
	runCmd.Flags().StringVar(&token, "token", os.Getenv("CAVE_TOKEN"), "bearer token")

	cmd.AddCommand(listCmd, showCmd, runCmd)
	return cmd
}

func (c *cli) backupList(ctx context.Context, out io.Writer) error {
	store, err := cave.OpenBackupStore(ctx, c.cfg.Backup)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := store.Keys(ctx, session.KeyPrefix)
	if err != nil {
		return err
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintln(out, strings.TrimPrefix(key, session.KeyPrefix))
	}
	return nil
}

func (c *cli) backupShow(ctx context.Context, out io.Writer, userID, format string) error {
	store, err := cave.OpenBackupStore(ctx, c.cfg.Backup)
	if err != nil {
		return err
	}
	defer store.Close()

	data, err := store.Get(ctx, session.CacheKey(userID))
	if err != nil {
		return fmt.Errorf("session for %s: %w", userID, err)
	}
	rec, err := session.Decode(data)
	if err != nil {
		return err
	}
	return writeRecord(out, rec, format)
}

func writeRecord(out io.Writer, rec *session.Record, format string) error {
	doc := map[string]any{
		"id":         rec.ID,
		"user_id":    rec.UserID,
		"app":        rec.App,
		"versions":   rec.Versions,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": rec.UpdatedAt.UTC().Format(time.RFC3339),
		"state":      map[string]any(rec.State),
	}
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml", "":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func backupRun(ctx context.Context, out io.Writer, server, token string) error {
	return callServer(ctx, out, http.MethodPost, server, "/v1/backup", token)
}

// callServer sends one request to a running server and prints the body.
func callServer(ctx context.Context, out io.Writer, method, server, path, token string) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(server, "/")+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s failed: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return err
}

// =============================================================================
// session
// =============================================================================

func (c *cli) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage live sessions on a running server",
	}

	var server, token string
	deleteCmd := &cobra.Command{
		Use:   "delete [user-id]",
		Short: "Delete a user's session from the cache and the backup store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionDelete(cmd.Context(), cmd.OutOrStdout(), server, token, args[0])
		},
	}
	deleteCmd.Flags().StringVar(&server, "server", "http://localhost:12210", "server base URL")
	deleteCmd.Flags().StringVar(&token, "token", os.Getenv("CAVE_TOKEN"), "bearer token (admin role)")

	cmd.AddCommand(deleteCmd)
	return cmd
}

func sessionDelete(ctx context.Context, out io.Writer, server, token, userID string) error {
	return callServer(ctx, out, http.MethodDelete, server, "/v1/sessions/"+url.PathEscape(userID), token)
}

// =============================================================================
// token
// =============================================================================

func (c *cli) tokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		roles  []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured (set CAVE_AUTH_JWT_SECRET)")
			}
			if ttl <= 0 {
				ttl = c.cfg.Auth.TokenTTL
			}
			provider := middleware.NewJWTAuthProvider([]byte(c.cfg.Auth.JWTSecret))
			token, err := provider.IssueToken(userID, email, roles, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant; repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// validate
// =============================================================================

func (c *cli) validateCmd() *cobra.Command {
	var commands []string
	cmd := &cobra.Command{
		Use:   "validate [app]",
		Short: "Run an app's init (and optional commands) and validate the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.validateApp(cmd.Context(), cmd.OutOrStdout(), args[0], commands)
		},
	}
	cmd.Flags().StringSliceVar(&commands, "command", nil, "command to run after init; repeatable")
	return cmd
}

func (c *cli) validateApp(ctx context.Context, out io.Writer, app string, commands []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry, err := apps.NewRegistry(ctx, apps.Config{
		WeatherURL:  c.cfg.Apps.WeatherURL,
		HTTPTimeout: c.cfg.Apps.HTTPTimeout,
		StaticPath:  c.cfg.Apps.StaticPath,
	})
	if err != nil {
		return err
	}
	handler, err := registry.Get(app)
	if err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(registry.Names(), ", "))
	}
	executor := command.NewExecutor(command.ExecutorConfig{App: app, Handler: handler})

	socket := &command.Recorder{}
	state, violations, err := executor.Execute(ctx, nil, socket, command.CommandInit, nil)
	if err != nil {
		return err
	}
	for _, name := range commands {
		state, violations, err = executor.Execute(ctx, state, socket, name, nil)
		if err != nil {
			return err
		}
	}

	for _, n := range socket.Notifications() {
		fmt.Fprintf(out, "notify [%s] %s: %s\n", n.Theme, n.Title, n.Message)
	}
	if len(violations) > 0 {
		for _, v := range violations {
			fmt.Fprintln(out, v.String())
		}
		return fmt.Errorf("%s: %d violation(s)", app, len(violations))
	}
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "%s: ok (%s)\n", app, strings.Join(keys, ", "))
	return nil
}

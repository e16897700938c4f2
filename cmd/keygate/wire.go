// ABOUTME: Builds keygate's services once from configuration and hands them out explicitly
// ABOUTME: Shared by the serve and worker commands

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/keygate/internal/auth"
	"github.com/2389/keygate/internal/config"
	"github.com/2389/keygate/internal/dedupe"
	"github.com/2389/keygate/internal/keys"
	"github.com/2389/keygate/internal/mail"
	"github.com/2389/keygate/internal/server"
	"github.com/2389/keygate/internal/store"
	"github.com/2389/keygate/internal/tasks"
	"github.com/2389/keygate/internal/users"
)

// services holds everything built from the configuration. It is created once per
// process and passed by reference; nothing in it is global.
type services struct {
	cfg    *config.Config
	logger *slog.Logger

	store  store.Store
	users  *users.Manager
	keys   *keys.Manager
	queue  *tasks.StoreQueue
	replay *dedupe.Cache
	auth   *auth.Authenticator
	mail   mail.Sender
}

func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	st, err := store.NewSQLStore(ctx, cfg.Database.Driver, cfg.Database.DataSource())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return newServices(ctx, cfg, logger, st)
}

// newServices wires managers around an already opened store, which it takes ownership of.
func newServices(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store) (*services, error) {
	sender, err := newMailSender(ctx, cfg.Mail, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	s := &services{
		cfg:    cfg,
		logger: logger,
		store:  st,
		mail:   sender,
	}
	s.users = users.NewManager(users.Config{Store: st, Logger: logger})
	s.keys = keys.NewManager(keys.Config{Store: st, Logger: logger, TTL: cfg.Auth.KeyTTL})
	s.queue = tasks.NewStoreQueue(st, logger)
	if cfg.Auth.ReplayEnabled() {
		s.replay = dedupe.New(dedupe.Config{})
	}
	s.auth = auth.NewAuthenticator(auth.Config{
		Keys:       s.keys,
		Users:      s.users,
		Replay:     s.replay,
		Skew:       cfg.Auth.ClockSkew,
		BcryptCost: cfg.Auth.BcryptCost,
		Logger:     logger,
	})
	return s, nil
}

func newMailSender(ctx context.Context, cfg config.MailConfig, logger *slog.Logger) (mail.Sender, error) {
	switch cfg.Provider {
	case config.MailProviderSES:
		sender, err := mail.NewSESSender(ctx, mail.SESConfig{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Endpoint:        cfg.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("creating SES sender: %w", err)
		}
		return sender, nil
	default:
		return mail.LogSender{Logger: logger.With("component", "mail")}, nil
	}
}

func (s *services) serverDeps() server.Deps {
	return server.Deps{
		Store:  s.store,
		Users:  s.users,
		Keys:   s.keys,
		Auth:   s.auth,
		Queue:  s.queue,
		Logger: s.logger,
	}
}

func (s *services) newWorker() *tasks.Worker {
	return tasks.NewWorker(tasks.Deps{
		Tasks: s.store,
		Users: s.users,
		Keys:  s.keys,
		Mail:  s.mail,
		Envelope: mail.Envelope{
			From:       s.cfg.Mail.From,
			ReplyTo:    s.cfg.Mail.ReplyTo,
			ReturnPath: s.cfg.Mail.ReturnPath,
		},
		BaseURL: s.cfg.Server.BaseURL,
		Logger:  s.logger,
	}, tasks.Options{
		Workers:      s.cfg.Tasks.Workers,
		PollInterval: s.cfg.Tasks.PollInterval,
		Lease:        s.cfg.Tasks.Lease,
		MaxAttempts:  s.cfg.Tasks.MaxAttempts,
		Backoff:      s.cfg.Tasks.Backoff,
	})
}

// Close releases the replay cache and the store.
func (s *services) Close() error {
	var errs []error
	if s.replay != nil {
		s.replay.Close()
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

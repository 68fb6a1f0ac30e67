package main

import (
	"context"
	"errors"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/clients"
	"github.com/ajitpratap0/nebula-components/pkg/config"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components/events"
	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/longpoll"
)

func newEventsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the configured event stream",
	}

	var position string
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print each event batch as JSON until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if position != "" {
				a.cfg.Events.InitialPosition = position
			}
			return a.watchEvents(cmd)
		},
	}
	watch.Flags().StringVar(&position, "position", "", "Stream position to start from (default events.initial_position)")

	var to string
	forward := &cobra.Command{
		Use:   "forward",
		Short: "Send every event to an endpoint",
		Long: `Send every event as an exchange to an endpoint until interrupted.

Example:
  nebula-components events forward --to mqtt:box/events?broker=tcp://localhost:1883`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if position != "" {
				a.cfg.Events.InitialPosition = position
			}
			return a.forwardEvents(cmd, to)
		},
	}
	forward.Flags().StringVar(&to, "to", "log:events", "Endpoint URI receiving the events")
	forward.Flags().StringVar(&position, "position", "", "Stream position to start from (default events.initial_position)")

	cmd.AddCommand(watch, forward)
	return cmd
}

func (a *app) watchEvents(cmd *cobra.Command) error {
	cfg := &a.cfg.Events
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := context.WithValue(cmd.Context(), logger.ComponentKey, "events")
	log := logger.WithContext(ctx)

	api := clients.NewHTTPClient(cfg.HTTPConfig(), a.logger)
	tokens, err := longpoll.NewTokenSource(ctx, cfg.Credentials, api.Client())
	if err != nil {
		return err
	}
	provider, err := longpoll.NewHTTPProvider(cfg.ProviderConfig(), api, tokens, a.logger)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	listener := longpoll.ListenerFuncs{
		Event: func(batch longpoll.Batch) {
			if len(batch.Events) == 0 {
				return
			}
			if err := enc.Encode(batch); err != nil {
				log.Error("failed to print batch", zap.Error(err))
			}
		},
		Exception: func(err error) {
			log.Error("event session failed", zap.Error(err))
		},
	}

	session, err := longpoll.NewSession(provider, listener, cfg.SessionConfig(a.logger))
	if err != nil {
		return err
	}
	mgr := longpoll.NewManager(a.logger)
	if err := mgr.Add(session); err != nil {
		return err
	}
	defer mgr.Stop()
	return mgr.Run(ctx)
}

func (a *app) forwardEvents(cmd *cobra.Command, to string) error {
	cfg := &a.cfg.Events
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := context.WithValue(cmd.Context(), logger.ComponentKey, "events")

	mgr := longpoll.NewManager(a.logger)
	reg, err := a.registry(
		events.WithHTTPClients(
			clients.NewHTTPClient(cfg.HTTPConfig(), a.logger),
			clients.NewHTTPClient(cfg.PollHTTPConfig(), a.logger),
		),
		events.WithBackoff(cfg.Backoff),
		events.WithManager(mgr),
	)
	if err != nil {
		return err
	}

	target, err := createProducer(ctx, reg, to)
	if err != nil {
		return err
	}
	defer closeProducer(ctx, target)

	comp, ok := reg.Component(events.Scheme)
	if !ok {
		return errors.New("box-events component is not registered")
	}
	ep, err := comp.CreateEndpoint(ctx, events.Scheme+":"+cfg.Name, cfg.Name, eventParams(cfg))
	if err != nil {
		return err
	}
	consumer, err := ep.CreateConsumer(ctx, target)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = consumer.Stop(context.WithoutCancel(ctx)) }()
	return mgr.Wait()
}

func eventParams(cfg *config.EventsConfig) core.Parameters {
	params := core.Parameters{
		"baseUrl":      cfg.BaseURL,
		"streamType":   cfg.StreamType,
		"position":     cfg.InitialPosition,
		"accessToken":  cfg.Credentials.AccessToken,
		"clientId":     cfg.Credentials.ClientID,
		"clientSecret": cfg.Credentials.ClientSecret,
		"tokenUrl":     cfg.Credentials.TokenURL,
		"subjectType":  cfg.Credentials.SubjectType,
		"subjectId":    cfg.Credentials.SubjectID,
	}
	if cfg.PageLimit > 0 {
		params["pageLimit"] = strconv.Itoa(cfg.PageLimit)
	}
	if cfg.MaxConsecutiveFailures != 0 {
		params["maxFailures"] = strconv.Itoa(cfg.MaxConsecutiveFailures)
	}
	if cfg.StopTimeout > 0 {
		params["stopTimeout"] = cfg.StopTimeout.String()
	}
	return params
}

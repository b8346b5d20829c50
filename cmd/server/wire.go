// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/dtable-events/internal/activity"
	"github.com/tomtom215/dtable-events/internal/api"
	"github.com/tomtom215/dtable-events/internal/automation"
	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/dataset"
	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/events"
	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/message"
	"github.com/tomtom215/dtable-events/internal/notification"
	"github.com/tomtom215/dtable-events/internal/scheduler"
	"github.com/tomtom215/dtable-events/internal/store"
	"github.com/tomtom215/dtable-events/internal/supervisor"
	"github.com/tomtom215/dtable-events/internal/supervisor/services"
	"github.com/tomtom215/dtable-events/internal/tasks"
	"github.com/tomtom215/dtable-events/internal/transfer"
	"github.com/tomtom215/dtable-events/internal/webhook"
)

// application holds what main must release after the tree stops.
type application struct {
	store    *store.Store
	bus      *events.Bus
	statuses *tasks.Statuses
}

func (a *application) close() {
	if a.statuses != nil {
		a.statuses.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(context.Background()); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}
	if err := a.store.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing MySQL")
	}
}

// build creates every component and adds the long-running ones to tree.
func build(ctx context.Context, cfg *config.Config, tree *supervisor.SupervisorTree) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	app.store, err = store.Open(ctx, cfg.MySQL)
	if err != nil {
		return nil, err
	}

	tokens, err := dtable.NewTokenIssuer(cfg.DTable.PrivateKey, cfg.DTable.Username, cfg.DTable.TokenTTL)
	if err != nil {
		return nil, err
	}
	server := dtable.NewServerClient(cfg.DTable, tokens)
	db := dtable.NewDBClient(cfg.DTable, tokens)
	web := dtable.NewWebClient(cfg.DTable, tokens)

	messenger := message.NewManager(cfg.Message, server)
	messenger.Register(message.NewInAppChannel(server).WithDirectory(web))

	app.bus, err = events.Connect(ctx, cfg.NATS)
	if err != nil {
		return nil, err
	}
	router, err := app.bus.NewRouter()
	if err != nil {
		return nil, err
	}

	automations := automation.NewEngine(cfg.Automation, app.store, server, db, messenger)
	notifications := notification.NewEngine(cfg.Notification, app.store, server, db, messenger)
	syncer := dataset.NewSyncer(cfg.Dataset, app.store, server, db)

	dispatcher := events.NewDispatcher()
	var jobs []scheduler.Job
	if cfg.Automation.Enabled {
		dispatcher.Register(automations)
		jobs = append(jobs, scheduler.Job{Name: "automation_periodic", Run: automations.RunPeriodic})
	}
	if cfg.Notification.Enabled {
		dispatcher.Register(notifications)
		jobs = append(jobs, scheduler.Job{Name: "notification_deadlines", Run: notifications.ScanDeadlines})
	}
	if cfg.Webhook.Enabled {
		dispatcher.Register(webhook.NewDispatcher(cfg.Webhook, app.store))
	}
	if cfg.Activity.Enabled {
		dispatcher.Register(activity.NewRecorder(app.store))
	}
	if cfg.Dataset.Enabled {
		jobs = append(jobs, scheduler.Job{Name: "dataset_sync", Run: syncer.SyncDue})
	}

	eventSub, err := app.bus.NewSubscriber("events")
	if err != nil {
		return nil, err
	}
	router.AddConsumerHandler("table-events", events.TopicAll, eventSub, dispatcher.Handle)

	app.statuses = tasks.NewStatuses(cfg.Transfer.TaskTTL)
	transfers := transfer.NewService(cfg.Transfer, server, server, db)
	runner := tasks.NewRunner(transfers, syncer, app.statuses, cfg.Scheduler.ExecutionTimeout)
	taskSub, err := app.bus.NewSubscriber("tasks")
	if err != nil {
		return nil, err
	}
	router.AddConsumerHandler("tasks", events.TasksTopic, taskSub, runner.Handle)

	queue := tasks.NewQueue(app.bus.Publisher(), app.statuses)
	handler := api.NewHandler(queue, app.statuses, server,
		api.ReadinessCheck{Name: "mysql", Check: app.store.Ping},
		api.ReadinessCheck{Name: "nats", Check: app.bus.Ping},
		api.ReadinessCheck{Name: "event_router", Check: func(context.Context) error {
			if !router.IsRunning() {
				return errors.New("event router not running")
			}
			return nil
		}},
		api.ReadinessCheck{Name: "dtable_server", Check: server.Ping},
		api.ReadinessCheck{Name: "dtable_db", Check: db.Ping},
	)
	httpRouter := api.NewRouter(handler, api.NewChiMiddleware(api.ChiMiddlewareConfigFrom(cfg.Security)), tokens)

	timeout := cfg.Supervisor.ShutdownTimeout
	tree.AddMessagingService(services.NewComponentService("event-router", router, timeout))
	tree.AddMessagingService(services.NewComponentService("scheduler", scheduler.New(cfg.Scheduler, jobs...), timeout))
	tree.AddAPIService(services.NewHTTPServerService(newHTTPServer(cfg, httpRouter.Setup()), timeout))

	logging.Info().
		Int("scheduled_jobs", len(jobs)).
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("Components wired into supervisor tree")
	return app, nil
}

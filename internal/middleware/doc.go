// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

/*
Package middleware provides the HTTP middleware of the internal API.

Key Components:

  - RequestID: X-Request-ID propagation into the logging context
  - PrometheusMetrics: request counts and latency by chi route pattern
  - TokenAuth: verification of the "Authorization: Token <jwt>" header

The API router installs them in this order:

	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)
	r.Group(func(r chi.Router) {
	    r.Use(middleware.TokenAuth(issuer))
	    ...
	})

Route patterns rather than raw paths label the metrics, so
/api/v1/tasks/{id} stays one series however many tasks are queried.
*/
package middleware

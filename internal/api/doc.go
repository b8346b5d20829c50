// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

/*
Package api serves the internal HTTP surface of dtable-events.

dtable-web and operators talk to it; it is not exposed to end users.

Routes:

	GET  /api/v1/health/live        liveness, no dependency checks
	GET  /api/v1/health/ready       MySQL, event router and dtable-server
	GET  /metrics                   Prometheus exposition
	POST /api/v1/tasks              submit an export, import or dataset sync
	GET  /api/v1/tasks/{id}         task status
	GET  /api/v1/tasks/{id}/file    download the file of a finished export
	POST /api/v1/sql                render a filter DSL request to SQL

Everything under /api/v1 except health requires an
"Authorization: Token <jwt>" header signed with the shared private key.
Responses use the APIResponse envelope.
*/
package api

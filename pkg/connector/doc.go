// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector bridges a NapCat (OneBot v11) gateway to a MaiBot
// message router.
//
// The gateway connects to the bridge over a reverse WebSocket. Each accepted
// connection becomes a [Session]; a newer connection replaces the current one.
//
// # Inbound path
//
// The session's read loop hands every frame to the [Dispatcher], which decodes
// it once and routes it to exactly one place. Action replies complete pending
// calls in the [Pool]. Message, meta and notice events go to the [EventQueue],
// which a single processor drains in order. Messages are translated by the
// [Transcoder] and sent to the router. Notices about mutes update the
// moderation store through its reconciler.
//
// Replies never wait behind queued events, so the processor can make action
// calls (group names, member nicknames) while translating a message.
//
// # Liveness
//
// [Heartbeat] starts on the gateway's lifecycle connect event and
// disconnects the session once no healthy heartbeat arrives within the
// advertised interval plus [DefaultHeartbeatGrace]. Teardown fails every
// pending call with a [TransportClosedError].
//
// # Outbound path
//
// [OutboundBridge] receives canonical messages from the router, renders them
// with onebotfmt and issues send or moderation actions through the active
// session's [ActionClient]. Each delivery is acknowledged back to the router.
//
// # Sub-packages
//
//   - onebotfmt renders canonical segment trees into platform segments.
package connector

// Package pingpanel implements a minimal Discord bot with a web control
// panel.
//
// The bot isn't connected on startup. The control panel's status page
// shows whether it's running, and a POST to /start launches it. Only
// the first start request launches the bot: every later request is
// answered with "already running", even when they race.
//
// Key components of the package include:
//
//   - PingPanel: ties the control panel to the bot runner, and owns
//     the process lifecycle (Run, shutdown).
//   - API: the gin server for the status page, the start trigger,
//     /healthz and /api/events.
//   - botRunner: holds the discord gateway session, and answers the
//     configured command ("!ping" -> "Pong!" by default).
//   - eventLog: optional audit log of runner events, via gorm
//     (sqlite or postgres).
//
// Once started, the bot isn't restarted or stopped by the panel. A
// runner that fails (ex: no token configured) leaves the status as
// Running, and the failure is reported on /healthz as last_error.
package pingpanel

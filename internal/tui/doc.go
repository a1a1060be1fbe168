// Package tui provides the terminal dashboard for the serve and watch
// commands.
//
// The dashboard shows queue counters with a completion bar, the most
// recent tasks with their statuses, and a scrolling feed of lifecycle
// events. It renders nothing on its own; the driver pushes state into a
// running program:
//
//	program, dash := tui.NewProgram(live)
//	go program.Run()
//
//	// Refresh the panels
//	program.Send(tui.SnapshotMsg{Snapshot: snap})
//
//	// Append to the event feed
//	program.Send(tui.EventMsg{Event: ev})
//
// Tab 1 shows the overview (stats beside tasks), tab 2 the full-screen
// event feed. When the driver installs a submit handler with
// dash.SetOnSubmit, the n key opens an input bar for enqueueing tasks
// in place; store-backed viewers leave it unset and stay read-only.
package tui

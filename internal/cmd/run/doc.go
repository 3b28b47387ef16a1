// Package runcmd is the process lifecycle behind the CLI: it builds the
// logger, opens the runtime, starts the admin server and the selected
// coordinators under one errgroup, and tears everything down in order on
// SIGINT/SIGTERM.
package runcmd

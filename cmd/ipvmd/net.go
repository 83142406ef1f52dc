package main

import (
	"io"
	"net"
	"text/tabwriter"
)

// listen isolates the stdlib net package behind a narrow helper so
// runDaemon can name its network-config variable `net` without
// shadowing the package.
func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// newTabWriter renders ping/run/stop responses as a small table, the
// same shape homestar's ConsoleTable gives its Ping/AckWorkflow
// responses. text/tabwriter is stdlib: no table-rendering library
// appears anywhere in the retrieved pack, so there is nothing to adopt
// instead.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

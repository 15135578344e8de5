// Command connectord runs the vigilo connector daemon: it bridges a local
// Unix-socket line protocol to an XMPP or AMQP bus in both directions,
// per spec.md §1. Command/flag wiring follows the teacher pack's
// cobra-root-plus-daemon-subcommand shape (grounded on
// oriys-nova/cmd/comet/main.go, since the teacher repo itself is a
// library with no daemon entrypoint of its own).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.vigilo.io/connector/cli"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "connectord",
		Short: "vigilo connector daemon",
		Long:  "Bridge a local Unix-socket line protocol to an XMPP or AMQP bus",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a configuration file")
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connectorParams lists the flags the `run` subcommand exposes as
// config.Config overrides, per spec.md's AMBIENT.4: each FlagKey matches a
// Settings `mapstructure` path one-for-one, so config.BindFlags's
// viper.BindPFlag call makes an explicitly set flag win over the config
// file/environment, and the flag's own default otherwise falls back to
// whatever config.Settings.Defaults applies.
func connectorParams() []cli.Param {
	return []cli.Param{
		{Name: "bus-transport", Usage: "bus transport to use: amqp or xmpp", FlagKey: "bus.transport", ByDefault: ""},
		{Name: "bus-service", Usage: "bus broker URL (amqp) or pubsub service JID (xmpp)", FlagKey: "bus.service", ByDefault: ""},
		{Name: "socket-send", Usage: "unix socket path for the socket-to-bus direction", FlagKey: "connector.socket_send", ByDefault: ""},
		{Name: "socket-recv", Usage: "unix socket path for the bus-to-socket direction", FlagKey: "connector.socket_recv", ByDefault: ""},
		{Name: "backup-file", Usage: "sqlite retry-store file path (':memory:' disables persistence)", FlagKey: "connector.backup_file", ByDefault: ""},
		{Name: "max-queue-size", Usage: "in-memory queue bound before backpressure engages (0 disables it)", FlagKey: "connector.max_queue_size", ByDefault: 0},
		{Name: "log-level", Usage: "log level: debug, info, warning, error, panic, fatal", FlagKey: "log.level", ByDefault: ""},
		{Name: "metrics-listen", Usage: "address the prometheus metrics server listens on", FlagKey: "metrics.listen", ByDefault: ""},
	}
}

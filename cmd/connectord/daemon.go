package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"mellium.im/xmpp/jid"

	"go.vigilo.io/connector/bus"
	amqpbus "go.vigilo.io/connector/bus/amqp"
	xmppbus "go.vigilo.io/connector/bus/xmpp"
	"go.vigilo.io/connector/cli"
	"go.vigilo.io/connector/config"
	"go.vigilo.io/connector/endpoint"
	"go.vigilo.io/connector/forwarder"
	"go.vigilo.io/connector/log"
	"go.vigilo.io/connector/message"
	"go.vigilo.io/connector/metrics"
	"go.vigilo.io/connector/session"
	"go.vigilo.io/connector/store"
)

// connectionPollInterval is how often the daemon checks each transport's
// Connected() state to drive the corresponding session.Manager, since the
// bus adapters expose connectivity as a polled getter rather than a
// callback, per the reconnect-monitor shape in bus/amqp and bus/xmpp.
const connectionPollInterval = time.Second

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the connector daemon",
		RunE:  runDaemon,
	}
	if err := cli.SetupCommandParams(cmd, connectorParams()); err != nil {
		panic(fmt.Errorf("setup command params: %w", err))
	}
	return cmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	c := config.Handler("vigilo-connector", nil)
	if configFile != "" {
		c.Internals().SetConfigFile(configFile)
	}
	if err := config.BindFlags(cmd, connectorParams(), c.Internals()); err != nil {
		return fmt.Errorf("bind command flags: %w", err)
	}
	settings, err := config.Load(c)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ll := newLogger(settings.Log)
	ll.Infof("starting connector daemon (bus transport: %s)", settings.Bus.Transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	op, err := metrics.NewOperator(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if settings.Metrics.Enabled {
		go serveMetrics(settings.Metrics.Listen, op, ll)
	}

	storeToBus, err := store.Open(settings.Connector.BackupFile, settings.Connector.BackupTableToBus, ll)
	if err != nil {
		return fmt.Errorf("open socket-to-bus retry store: %w", err)
	}
	defer storeToBus.Close(ctx)

	storeFromBus, err := store.Open(settings.Connector.BackupFile, settings.Connector.BackupTableFromBus, ll)
	if err != nil {
		return fmt.Errorf("open bus-to-socket retry store: %w", err)
	}
	defer storeFromBus.Close(ctx)

	pub, sub, err := dialBus(settings, ll)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	defer pub.Close()

	socketClient := endpoint.NewLineSocketClient(settings.Connector.SocketRecv, storeFromBus, ll)
	socketClient.Start(ctx)
	defer socketClient.Stop()

	fwdToBus := forwarder.New(pub, storeToBus, forwarder.Options{
		MaxInFlight: session.Options{MaxInFlight: settings.Bus.MaxSendSimult}.EffectiveMaxInFlight(),
		BatchSize:   settings.Bus.BatchSendPerf,
		QMax:        settings.Connector.MaxQueueSize,
	}, ll)
	fwdToBus.Start(ctx)
	defer fwdToBus.Stop(ctx)

	// ingestToBus wraps fwdToBus so every socket-fed Ingest is immediately
	// followed by a backpressure check, per spec.md §4.4; sessionToBus is
	// filled in once constructed below since it needs socketServer to
	// exist first (its Upstream wraps socketServer).
	ingestToBus := &backpressureIngester{fw: fwdToBus}
	socketServer := endpoint.NewLineSocketServer(settings.Connector.SocketSend, ingestToBus, ll)

	sessionToBus := session.New(fwdToBus, socketServerUpstream{socketServer}, session.Options{
		MaxInFlight: settings.Bus.MaxSendSimult,
		QMax:        settings.Connector.MaxQueueSize,
	}, ll)
	ingestToBus.mgr = sessionToBus

	if err := socketServer.Start(ctx); err != nil {
		return fmt.Errorf("start socket server: %w", err)
	}
	defer socketServer.Stop()
	go watchConnection(ctx, pub.Connected, sessionToBus)

	fwdFromBus := forwarder.New(socketClientPublisher{socketClient}, storeFromBus, forwarder.Options{
		MaxInFlight: session.Options{MaxInFlight: settings.Bus.MaxSendSimult}.EffectiveMaxInFlight(),
		BatchSize:   1,
		QMax:        settings.Connector.MaxQueueSize,
	}, ll)
	fwdFromBus.Start(ctx)
	defer fwdFromBus.Stop(ctx)

	// No Upstream is wired for the bus→socket direction: the bus
	// subscription is a single blocking Subscribe loop with no
	// pause-a-single-delivery primitive exposed by bus.Subscriber, unlike
	// the socket source's per-connection read gate above. CheckBackpressure
	// is still invoked after every Ingest, but with a nil Upstream it
	// returns without evaluating or recording any watermark state.
	sessionFromBus := session.New(fwdFromBus, nil, session.Options{
		MaxInFlight: settings.Bus.MaxSendSimult,
		QMax:        settings.Connector.MaxQueueSize,
	}, ll)
	go watchConnection(ctx, socketClient.Connected, sessionFromBus)

	go func() {
		if err := sub.Subscribe(ctx, func(m message.Message) error {
			fwdFromBus.Ingest(m)
			sessionFromBus.CheckBackpressure()
			return nil
		}); err != nil {
			ll.Errorf("bus subscription ended: %v", err)
		}
	}()

	go reportStats(ctx, op, fwdToBus, fwdFromBus)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		ll.Infof("received signal %s, shutting down", sig)
	case <-ctx.Done():
	}
	return nil
}

// dialBus connects to the configured transport and returns it as both a
// Publisher (socket→bus direction) and a Subscriber (bus→socket
// direction), since both bus/amqp.Adapter and bus/xmpp.Adapter implement
// both capability interfaces over the same connection.
func dialBus(s *config.Settings, ll log.Logger) (bus.Publisher, bus.Subscriber, error) {
	switch strings.ToLower(s.Bus.Transport) {
	case "amqp":
		a, err := amqpbus.Dial(s.Bus.Service, s.Bus.Queue, s.Publications, ll)
		if err != nil {
			return nil, nil, err
		}
		return a, a, nil
	case "xmpp":
		origin, err := jid.Parse("connector@" + s.Bus.Service)
		if err != nil {
			return nil, nil, fmt.Errorf("parse origin JID: %w", err)
		}
		service, err := jid.Parse(s.Bus.Service)
		if err != nil {
			return nil, nil, fmt.Errorf("parse service JID: %w", err)
		}
		a, err := xmppbus.Dial(s.Bus.Service, origin, service, ll)
		if err != nil {
			return nil, nil, err
		}
		return a, a, nil
	default:
		return nil, nil, fmt.Errorf("unsupported bus transport: %q", s.Bus.Transport)
	}
}

// watchConnection polls connected() and drives mgr's transitions,
// bridging the polled-connectivity adapters to session.Manager's
// notification-based contract.
func watchConnection(ctx context.Context, connected func() bool, mgr *session.Manager) {
	ticker := time.NewTicker(connectionPollInterval)
	defer ticker.Stop()
	was := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := connected()
			if now == was {
				continue
			}
			was = now
			if now {
				mgr.OnConnected()
			} else {
				mgr.OnDisconnected(ctx, nil)
			}
		}
	}
}

func reportStats(ctx context.Context, op metrics.Operator, toBus, fromBus *forwarder.Forwarder) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			op.Observe("socket-to-bus", toBus.Stats(ctx))
			op.Observe("bus-to-socket", fromBus.Stats(ctx))
		}
	}
}

func serveMetrics(addr string, op metrics.Operator, ll log.Logger) {
	srv := &http.Server{Addr: addr, Handler: op.MetricsHandler()}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		ll.Errorf("metrics server stopped: %v", err)
	}
}

// socketServerUpstream adapts endpoint.LineSocketServer to session.Upstream:
// Pause/Resume block or release each connection handler before its next
// Ingest call, which in turn leaves unread bytes sitting in the OS socket
// buffer, applying backpressure to whatever is writing to the Unix socket.
type socketServerUpstream struct {
	srv *endpoint.LineSocketServer
}

func (u socketServerUpstream) PauseUpstream()  { u.srv.Pause() }
func (u socketServerUpstream) ResumeUpstream() { u.srv.Resume() }

// backpressureIngester wraps a forwarder.Forwarder so every socket-fed
// message is followed by a session.Manager backpressure check, per
// spec.md §4.4. mgr is set once sessionToBus is constructed, after
// endpoint.LineSocketServer (which needs ingestToBus) but before Start is
// called, so there is no race with the accept loop.
type backpressureIngester struct {
	fw  interface{ Ingest(message.Message) }
	mgr *session.Manager
}

func (i *backpressureIngester) Ingest(msg message.Message) {
	i.fw.Ingest(msg)
	if i.mgr != nil {
		i.mgr.CheckBackpressure()
	}
}

// socketClientPublisher adapts endpoint.LineSocketClient to bus.Publisher
// so the bus→socket direction can reuse the same Forwarder/session
// machinery as socket→bus, per spec.md §9's note that the connector core
// is symmetric between directions.
type socketClientPublisher struct {
	client *endpoint.LineSocketClient
}

func (p socketClientPublisher) Publish(_ context.Context, msg message.Message) (<-chan error, error) {
	p.client.Write(msg)
	return nil, nil
}

func (p socketClientPublisher) Connected() bool { return p.client.Connected() }

func (p socketClientPublisher) Close() error { return p.client.Stop() }

func newLogger(cfg config.Log) log.Logger {
	ll := log.WithZero(log.ZeroOptions{PrettyPrint: cfg.PrettyPrint})
	ll.SetLevel(parseLevel(cfg.Level))
	return ll
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.Debug
	case "warning", "warn":
		return log.Warning
	case "error":
		return log.Error
	case "panic":
		return log.Panic
	case "fatal":
		return log.Fatal
	default:
		return log.Info
	}
}

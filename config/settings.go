package config

// Settings is the typed view of every configuration key the connector core
// consumes (spec.md §6), plus the daemon-level keys needed to select and
// configure a concrete bus transport adapter.
type Settings struct {
	Bus         Bus                 `mapstructure:"bus"`
	Publications map[string]string  `mapstructure:"publications"`
	Connector   Connector           `mapstructure:"connector"`
	Log         Log                 `mapstructure:"log"`
	Metrics     Metrics             `mapstructure:"metrics"`
}

// Bus holds the connection parameters for the configured transport.
type Bus struct {
	// Transport selects the bus adapter: "amqp" or "xmpp".
	Transport string `mapstructure:"transport"`

	// Service is the pubsub service address (XMPP) or broker URL (AMQP).
	Service string `mapstructure:"service"`

	// Queue names the AMQP queue consumed for the bus→socket direction;
	// unused by the XMPP transport.
	Queue string `mapstructure:"queue"`

	// MaxSendSimult is the upper bound for in-flight publishes; the
	// effective value applied by session.Manager is 0.8x this value.
	MaxSendSimult int `mapstructure:"max_send_simult"`

	// BatchSendPerf is the batch size used to aggregate `perf` messages
	// into a single `perfs` message. 1 (or 0) disables batching.
	BatchSendPerf int `mapstructure:"batch_send_perf"`

	// TLS is read from configuration but not passed to either bus
	// adapter; neither adapter sets up TLS.
	TLS bool `mapstructure:"tls"`

	// Username/Password are read from configuration but not passed to
	// either bus adapter; authentication itself is out of this module's
	// scope (spec.md §1).
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Connector holds the core pipeline configuration.
type Connector struct {
	// MaxQueueSize bounds the InMemoryQueue (Q_max); 0 means unbounded.
	MaxQueueSize int `mapstructure:"max_queue_size"`

	// BackupFile is the RetryStore database path; ":memory:" disables
	// persistence across restarts.
	BackupFile string `mapstructure:"backup_file"`

	// BackupTableToBus / BackupTableFromBus name the two RetryStore
	// tables, one per direction.
	BackupTableToBus   string `mapstructure:"backup_table_to_bus"`
	BackupTableFromBus string `mapstructure:"backup_table_from_bus"`

	// SocketSend / SocketRecv are the two Unix domain socket paths, one
	// per direction.
	SocketSend string `mapstructure:"socket_send"`
	SocketRecv string `mapstructure:"socket_recv"`
}

// Log configures the logging facade.
type Log struct {
	Level       string `mapstructure:"level"`
	PrettyPrint bool   `mapstructure:"pretty_print"`
}

// Metrics configures the Prometheus HTTP endpoint.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Defaults applies the spec-mandated default values to any unset field.
func (s *Settings) Defaults() {
	if s.Bus.Transport == "" {
		s.Bus.Transport = "amqp"
	}
	if s.Bus.Queue == "" {
		s.Bus.Queue = "vigilo-connector"
	}
	if s.Bus.MaxSendSimult == 0 {
		s.Bus.MaxSendSimult = 1000
	}
	if s.Bus.BatchSendPerf == 0 {
		s.Bus.BatchSendPerf = 1
	}
	if s.Connector.BackupTableToBus == "" {
		s.Connector.BackupTableToBus = "backup_table_to_bus"
	}
	if s.Connector.BackupTableFromBus == "" {
		s.Connector.BackupTableFromBus = "backup_table_from_bus"
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Metrics.Listen == "" {
		s.Metrics.Listen = ":9100"
	}
}

// Load reads configuration from disk (if present) and environment variables
// and returns a populated, defaulted Settings instance.
func Load(c *Config) (*Settings, error) {
	if err := c.ReadFile(true); err != nil {
		return nil, err
	}
	var s Settings
	if err := c.Unmarshal(&s, ""); err != nil {
		return nil, err
	}
	s.Defaults()
	return &s, nil
}

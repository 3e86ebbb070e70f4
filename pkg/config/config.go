package config

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	DB                 string // connection string for the database
	NatsURL            string // URL of the NATS server (empty: local proxy only)
	WaitForServices    string // duration to wait for other services to be ready
	LogLevel           string // sets the log level (zap log level values)
	SQLLogLevel        string // sets the log level for sql subsystem
	LogFormat          string // text vs json
	MigrationSourceUrl string // location of migration files
	EnableTelemetry    bool   // enable telemetry
	TelemetryEndpoint  string // endpoint for telemetry
	ProfilingPort      int    // port for profiling
	ListenAddr         string // listen addr for the HTTP/WebSocket server
	ProviderToken      string // token for data provider access
	AdminToken         string // token for admin access
	StaleDuration      string // duration after which a duel session is considered stale
	StaleCheckInterval string // interval for the stale session watchdog
	MaxWsPerIP         int    // max number of spectator websockets per client IP
	TLSAcmeFile        string // traefik acme.json with the server certificate
	TLSDomain          string // domain to pick from the acme file
	TLSCertFile        string // PEM server certificate (alternative to acme file)
	TLSKeyFile         string // PEM server key
	TLSCAFile          string // optional CA used to verify client certificates
	LogFilter          string // zapfilter rules to limit log output by namespace
)

// Config holds the configuration values which are used by the application
type Config struct {
	PrintMessage bool // if true, inbound telemetry frames are printed on debug level
}

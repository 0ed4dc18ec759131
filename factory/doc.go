// Package factory loads codedrop configuration and builds the components a
// client needs from it.
//
// The factory keeps construction decisions in one place so the front door
// and the CLI never switch on backend or transport names themselves.
//
// # Configuration
//
// Configuration is layered. DefaultConfig supplies working defaults, an
// optional TOML file overrides them, and CODEDROP_* environment variables
// override both:
//
//	cfg, err := factory.LoadConfig("codedrop.toml")
//
// A configuration file looks like:
//
//	log_level = "info"
//
//	[code]
//	alphabet = "numeric"
//	length = 6
//
//	[directory]
//	backend = "http"
//	url = "https://directory.example"
//	request_timeout_ms = 5000
//	retry_attempts = 3
//
//	[transport]
//	kind = "tcp"
//	listen_address = ":0"
//	use_stun = true
//	use_upnp = true
//	upnp_lease_ms = 3600000
//	connect_timeout_ms = 10000
//
//	[transfer]
//	chunk_size = 16384
//	chunk_interval_ms = 0
//	close_grace_ms = 5000
//
// Durations are integer milliseconds in both file and environment form.
//
// # Environment Variables
//
//   - CODEDROP_CODE_ALPHABET: "numeric" or "base36"
//   - CODEDROP_CODE_LENGTH: code length
//   - CODEDROP_DIRECTORY_BACKEND: "memory", "sqlite" or "http"
//   - CODEDROP_DIRECTORY_URL: base URL of an HTTP directory
//   - CODEDROP_DIRECTORY_PATH: SQLite database file
//   - CODEDROP_DIRECTORY_TTL: advertisement lifetime in milliseconds
//   - CODEDROP_NETWORK_TIMEOUT: directory request timeout in milliseconds
//   - CODEDROP_RETRY_ATTEMPTS: directory retry attempts
//   - CODEDROP_TRANSPORT: "tcp", "websocket" or "memory"
//   - CODEDROP_LISTEN_ADDRESS: sender listen address
//   - CODEDROP_ADVERTISE_HOST: host published instead of the listener's
//   - CODEDROP_USE_STUN: "true" or "false"
//   - CODEDROP_STUN_SERVERS: comma-separated host:port list
//   - CODEDROP_USE_UPNP: "true" or "false"
//   - CODEDROP_UPNP_LEASE: port mapping lease in milliseconds, 0 for permanent
//   - CODEDROP_CONNECT_TIMEOUT: connect phase timeout in milliseconds
//   - CODEDROP_CHUNK_SIZE: chunk size in bytes
//   - CODEDROP_CHUNK_INTERVAL: pause between chunks in milliseconds
//   - CODEDROP_CLOSE_GRACE: sender linger after set-complete in milliseconds
//   - CODEDROP_LOG_LEVEL: logrus level name
//
// Invalid values are logged as warnings and the previous value is kept.
//
// # Construction
//
//	dir, err := factory.NewDirectory(cfg.DirectoryConfig())
//	tr, err := factory.NewTransport(cfg.Transport.Kind)
//	gen, err := factory.NewGenerator(cfg.Code)
package factory

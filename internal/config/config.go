package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	NodeID   string `envconfig:"NODE_ID" default:""`
	DataPath string `envconfig:"DATA_PATH" default:"/app/data"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8000"`
	// APIToken guards /api/v1; empty leaves it open.
	APIToken string `envconfig:"API_TOKEN" default:""`

	// Broker endpoints. An empty address disables the listener.
	BrokerTCPAddr string        `envconfig:"BROKER_TCP_ADDR" default:":21000"`
	BrokerWSAddr  string        `envconfig:"BROKER_WS_ADDR" default:""`
	BrokerGrace   time.Duration `envconfig:"BROKER_SHUTDOWN_GRACE" default:"5s"`
	BrokerTLSCA   string        `envconfig:"BROKER_TLS_CA" default:""`
	BrokerTLSCert string        `envconfig:"BROKER_TLS_CERT" default:""`
	BrokerTLSKey  string        `envconfig:"BROKER_TLS_KEY" default:""`
	IPWhitelist   string        `envconfig:"IP_WHITELIST" default:""`

	// BrokerTLSAuto generates and persists a self-signed pair valid for
	// BrokerTLSHosts when no files are configured.
	BrokerTLSAuto  bool   `envconfig:"BROKER_TLS_AUTO" default:"false"`
	BrokerTLSHosts string `envconfig:"BROKER_TLS_HOSTS" default:"127.0.0.1,localhost"`

	// SSH uplink settings
	SSHProtocolVersion string        `envconfig:"SSH_PROTOCOL_VERSION" default:"1.0"`
	SSHConnectTimeout  time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s"`

	WorkerPoolSize       int    `envconfig:"WORKER_POOL_SIZE" default:"16"`
	DropFailingListeners bool   `envconfig:"DROP_FAILING_LISTENERS" default:"false"`
	HealthSchedule       string `envconfig:"HEALTH_SCHEDULE" default:"@every 20s"`
	HealthFailLimit      int    `envconfig:"HEALTH_FAILURE_LIMIT" default:"3"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	// ConnectionsFile lists the connections created at startup.
	ConnectionsFile string `envconfig:"CONNECTIONS_FILE" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("NODELINK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

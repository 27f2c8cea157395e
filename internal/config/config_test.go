package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadFrom(t.TempDir())

	req.NoError(err)
	req.Equal(8080, cfg.Server.Port)
	req.Equal("sql", cfg.Storage.Driver)
	req.Equal("sqlite", cfg.Database.Driver)
	req.Equal("none", cfg.Relay.Driver)
	req.Equal(10*time.Second, cfg.WebSocket.AuthTimeout)
	req.Equal(60*time.Second, cfg.WebSocket.PongWait)
	req.Equal(4096, cfg.Router.MaxContentLength)
	req.Equal(50, cfg.History.DefaultLimit)
	req.Equal(100, cfg.History.MaxLimit)
	req.Equal(3*time.Second, cfg.Relay.Redis.ReadTimeout)
	req.NotEmpty(cfg.Instance.ID)
	req.Equal(cfg.Instance.ID, cfg.Log.InstanceID)
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	yaml := `
server:
  port: 9000
auth:
  jwt_secret: from-file
websocket:
  auth_timeout: 3s
  allowed_origins: ["https://chat.example.com"]
storage:
  driver: cassandra
instance:
  id: node-a
`
	req.NoError(os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("PORT", "9100")
	t.Setenv("CASSANDRA_HOSTS", "c1:9042, c2:9042")

	cfg, err := LoadFrom(dir)

	req.NoError(err)
	req.Equal(9100, cfg.Server.Port)
	req.Equal("from-file", cfg.Auth.JWTSecret)
	req.Equal(3*time.Second, cfg.WebSocket.AuthTimeout)
	req.Equal([]string{"https://chat.example.com"}, cfg.WebSocket.AllowedOrigins)
	req.Equal("cassandra", cfg.Storage.Driver)
	req.Equal([]string{"c1:9042", "c2:9042"}, cfg.Cassandra.Hosts)
	req.Equal("node-a", cfg.Instance.ID)
	req.Equal("chat-relay-node-a", cfg.Relay.Kafka.GroupID)
}

func TestLoadFrom_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret": {"JWT_SECRET": ""},
		"storage driver": {"JWT_SECRET": "x", "STORAGE_DRIVER": "mongo"},
		"relay driver":   {"JWT_SECRET": "x", "RELAY_DRIVER": "nats"},
		"machine id":     {"JWT_SECRET": "x", "MACHINE_ID": "4096"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadFrom(t.TempDir())
			require.Error(t, err)
		})
	}
}

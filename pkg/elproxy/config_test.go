package elproxy

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Port != 8100 {
		t.Errorf("expected default port 8100, got %d", c.Port)
	}
	if c.StorageSessions != "memory" {
		t.Errorf("expected default session storage memory, got %q", c.StorageSessions)
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Errorf("expected default log level debug, got %v", c.LogLevel)
	}
	if c.RegInterval != 10*time.Minute {
		t.Errorf("expected default registration interval 10m, got %v", c.RegInterval)
	}
	if c.DialTimeout != 10*time.Second {
		t.Errorf("expected default dial timeout 10s, got %v", c.DialTimeout)
	}
}

func TestUnmarshalEnv(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{
		"ELPROXY_PASSWORD=hunter2",
		"ELPROXY_PORT=8200",
		"ELPROXY_EXTERNAL_BIND_ADDRESS=192.0.2.1",
		"ELPROXY_EXTERNAL_BIND_ADDRESS_ADD=192.0.2.2,192.0.2.3",
		"ELPROXY_CALLS_ALLOWED=^[A-Z0-9]+$",
		"ELPROXY_LOG_LEVEL=warn",
		"ELPROXY_REG_INTERVAL=5m",
		"ELPROXY_LOG_STDOUT=false",
		"IGNORED_VAR=whatever",
	}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Password != "hunter2" || c.Port != 8200 {
		t.Errorf("unexpected password/port: %q/%d", c.Password, c.Port)
	}
	if c.ExternalBindAddress != "192.0.2.1" {
		t.Errorf("unexpected external bind address %q", c.ExternalBindAddress)
	}
	if !reflect.DeepEqual(c.ExternalBindAddressAdd, []string{"192.0.2.2", "192.0.2.3"}) {
		t.Errorf("unexpected additional external bind addresses %q", c.ExternalBindAddressAdd)
	}
	if c.LogLevel != zerolog.WarnLevel || c.LogStdout {
		t.Errorf("unexpected log config: %v %v", c.LogLevel, c.LogStdout)
	}
	if c.RegInterval != 5*time.Minute {
		t.Errorf("unexpected registration interval %v", c.RegInterval)
	}
}

func TestUnmarshalEnvErrors(t *testing.T) {
	for _, c := range [][]string{
		{"ELPROXY_PORT=eight"},
		{"ELPROXY_LOG_STDOUT=maybe"},
		{"ELPROXY_LOG_LEVEL=loud"},
		{"ELPROXY_REG_INTERVAL=often"},
		{"ELPROXY_NO_SUCH_VAR=x"},
	} {
		var cfg Config
		if err := cfg.UnmarshalEnv(c, false); err == nil {
			t.Errorf("%q: expected an error", c)
		}
	}
}

func TestUnmarshalEnvIncremental(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"ELPROXY_PORT=8200"}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.UnmarshalEnv([]string{"ELPROXY_PASSWORD=hunter2"}, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Port != 8200 {
		t.Errorf("incremental update reset the port to %d", c.Port)
	}
	if c.Password != "hunter2" {
		t.Errorf("incremental update did not set the password")
	}
}

func TestEnvFromINI(t *testing.T) {
	name := filepath.Join(t.TempDir(), "elproxy.conf")
	if err := os.WriteFile(name, []byte(`
; EchoLink proxy configuration
Password = hunter2
Port = 8200
ExternalBindAddress = 192.0.2.1
AdditionalExternalBindAddresses = 192.0.2.2,192.0.2.3
CallsignAllowList = ^[A-Z0-9/-]+$
CallsignDenyList = ^N0CALL$
RegistrationName = Test Proxy
RegistrationInterval = 5m
`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	es, err := EnvFromINI(name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var c Config
	if err := c.UnmarshalEnv(es, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Password != "hunter2" || c.Port != 8200 {
		t.Errorf("unexpected password/port: %q/%d", c.Password, c.Port)
	}
	if !reflect.DeepEqual(c.ExternalBindAddressAdd, []string{"192.0.2.2", "192.0.2.3"}) {
		t.Errorf("unexpected additional external bind addresses %q", c.ExternalBindAddressAdd)
	}
	if c.CallsDenied != "^N0CALL$" {
		t.Errorf("unexpected deny list %q", c.CallsDenied)
	}
	if c.RegName != "Test Proxy" || c.RegInterval != 5*time.Minute {
		t.Errorf("unexpected registration config: %q %v", c.RegName, c.RegInterval)
	}
}

func TestEnvFromINIUnknownKey(t *testing.T) {
	name := filepath.Join(t.TempDir(), "elproxy.conf")
	if err := os.WriteFile(name, []byte("Passwrod = oops\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := EnvFromINI(name); err == nil {
		t.Errorf("expected an error for an unknown key")
	}
}

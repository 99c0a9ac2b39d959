package remote

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempKey(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_test")
	if err := os.WriteFile(keyPath, []byte("fake key material"), 0600); err != nil {
		t.Fatal(err)
	}
	return keyPath
}

func validKeyConfig(t *testing.T) *Config {
	cfg := DefaultConfig("upgrade")
	cfg.PrivateKeyPath = writeTempKey(t)
	cfg.StrictHostKeyChecking = false
	cfg.KnownHostsPath = ""
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid key config", func(c *Config) {}, false},
		{"missing user", func(c *Config) { c.User = "" }, true},
		{"bad port", func(c *Config) { c.Port = 0 }, true},
		{"port out of range", func(c *Config) { c.Port = 70000 }, true},
		{"password method without password", func(c *Config) {
			c.AuthMethod = AuthMethodPassword
			c.Password = ""
		}, true},
		{"password method with password", func(c *Config) {
			c.AuthMethod = AuthMethodPassword
			c.Password = "hunter2"
		}, false},
		{"unknown auth method", func(c *Config) { c.AuthMethod = "kerberos" }, true},
		{"missing key file", func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" }, true},
		{"zero connection timeout", func(c *Config) { c.ConnectionTimeout = 0 }, true},
		{"zero command timeout", func(c *Config) { c.CommandTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validKeyConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfigDefaults(t *testing.T) {
	cfg := DefaultConfig("admin")
	if cfg.Port != 22 {
		t.Errorf("Port = %d, want 22", cfg.Port)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("AuthMethod = %s, want key", cfg.AuthMethod)
	}
	if cfg.CommandTimeout != 5*time.Minute {
		t.Errorf("CommandTimeout = %v, want 5m", cfg.CommandTimeout)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("StrictHostKeyChecking should default to true")
	}
}

func TestNewSSHRunnerRequiresResolver(t *testing.T) {
	cfg := validKeyConfig(t)
	// The fake key fails ssh parsing only at connect time; construction
	// validates config shape.
	if _, err := NewSSHRunner(cfg, nil); err == nil {
		t.Error("want error for nil resolver")
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := os.ErrDeadlineExceeded
	te := &TransportError{Op: "exec", Host: "cn0", Err: inner, IsTemporary: true}
	if te.Unwrap() != inner {
		t.Error("Unwrap did not return inner error")
	}
	if !te.Temporary() {
		t.Error("Temporary() = false, want true")
	}
	if te.Error() == "" {
		t.Error("empty error string")
	}
}

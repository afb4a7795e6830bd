package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file layout. Values use the same syntax as
// the matching env vars; env vars and flags take precedence over the file.
type fileConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	PublicBaseURL   string   `yaml:"public_base_url"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	LogFormat       string   `yaml:"log_format"`
	LogLevel        string   `yaml:"log_level"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	Mode            string   `yaml:"mode"`

	Auth struct {
		Mode      string `yaml:"mode"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Signaling struct {
		IdleTimeout       string `yaml:"idle_timeout"`
		PingInterval      string `yaml:"ping_interval"`
		MaxMessageBytes   int64  `yaml:"max_message_bytes"`
		MessagesPerSecond int    `yaml:"messages_per_second"`
		SendQueueSize     int    `yaml:"send_queue_size"`
	} `yaml:"signaling"`

	Calls struct {
		RequestTimeout      string `yaml:"request_timeout"`
		LawyerInitialStatus string `yaml:"lawyer_initial_status"`
		HistoryDB           string `yaml:"history_db"`
	} `yaml:"calls"`

	ICE struct {
		ServersJSON    string   `yaml:"servers_json"`
		STUNURLs       []string `yaml:"stun_urls"`
		TURNURLs       []string `yaml:"turn_urls"`
		TURNUsername   string   `yaml:"turn_username"`
		TURNCredential string   `yaml:"turn_credential"`
	} `yaml:"ice"`

	TURNREST struct {
		SharedSecret   string `yaml:"shared_secret"`
		TTLSeconds     int64  `yaml:"ttl_seconds"`
		UsernamePrefix string `yaml:"username_prefix"`
		Realm          string `yaml:"realm"`
	} `yaml:"turn_rest"`
}

func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseFile(data)
}

func parseFile(data []byte) (map[string]string, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and leaves every setting at its default.
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return fc.values(), nil
}

// values flattens the file into env-var keyed settings.
func (fc fileConfig) values() map[string]string {
	out := map[string]string{}
	set := func(key, value string) {
		if strings.TrimSpace(value) != "" {
			out[key] = value
		}
	}
	setInt := func(key string, n int64) {
		if n != 0 {
			out[key] = strconv.FormatInt(n, 10)
		}
	}

	set(envVarListenAddr, fc.ListenAddr)
	set(envVarPublicBaseURL, fc.PublicBaseURL)
	set(envVarAllowedOrigins, strings.Join(fc.AllowedOrigins, ","))
	set(envVarLogFormat, fc.LogFormat)
	set(envVarLogLevel, fc.LogLevel)
	set(envVarShutdownTimeout, fc.ShutdownTimeout)
	set(envVarMode, fc.Mode)

	set(envVarAuthMode, fc.Auth.Mode)
	set(envVarJWTSecret, fc.Auth.JWTSecret)

	set(envVarSignalingWSIdleTimeout, fc.Signaling.IdleTimeout)
	set(envVarSignalingWSPingInterval, fc.Signaling.PingInterval)
	setInt(envVarMaxSignalingMessageBytes, fc.Signaling.MaxMessageBytes)
	setInt(envVarMaxSignalingMessagesPerSecond, int64(fc.Signaling.MessagesPerSecond))
	setInt(envVarSignalingSendQueueSize, int64(fc.Signaling.SendQueueSize))

	set(envVarCallRequestTimeout, fc.Calls.RequestTimeout)
	set(envVarLawyerInitialStatus, fc.Calls.LawyerInitialStatus)
	set(envVarCallHistoryDB, fc.Calls.HistoryDB)

	set(envICEServersJSON, fc.ICE.ServersJSON)
	set(envStunURLs, strings.Join(fc.ICE.STUNURLs, ","))
	set(envTurnURLs, strings.Join(fc.ICE.TURNURLs, ","))
	set(envTurnUsername, fc.ICE.TURNUsername)
	set(envTurnCredential, fc.ICE.TURNCredential)

	set(envVarTURNRESTSharedSecret, fc.TURNREST.SharedSecret)
	setInt(envVarTURNRESTTTLSeconds, fc.TURNREST.TTLSeconds)
	set(envVarTURNRESTUsernamePrefix, fc.TURNREST.UsernamePrefix)
	set(envVarTURNRESTRealm, fc.TURNREST.Realm)
	return out
}

// layered resolves keys from the environment first and the config file second.
func layered(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

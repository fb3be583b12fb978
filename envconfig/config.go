package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Host returns the scheme and host. Host can be configured via the LLAVA_HOST environment variable.
// Default is scheme "http" and host "127.0.0.1:11435"
func Host() *url.URL {
	defaultPort := "11435"

	s := strings.TrimSpace(Var("LLAVA_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins returns a list of allowed origins. AllowedOrigins can be configured via the LLAVA_ORIGINS environment variable.
func AllowedOrigins() (origins []string) {
	if s := Var("LLAVA_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// Models returns the path to the directory holding one Hugging Face model
// directory per model name. Models can be configured via the LLAVA_MODELS environment variable.
// Default is $HOME/.llava/models
func Models() string {
	if s := Var("LLAVA_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".llava", "models")
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("LLAVA_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

var (
	// NoKVCache recomputes the whole sequence at every decode step. NoKVCache can be configured via the LLAVA_NO_KV_CACHE environment variable.
	NoKVCache = Bool("LLAVA_NO_KV_CACHE")
)

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// NumParallel sets the number of generations served at once. NumParallel can be configured via the LLAVA_NUM_PARALLEL environment variable.
	NumParallel = Uint("LLAVA_NUM_PARALLEL", 1)
	// NumThreads sets the number of threads the CPU backend uses per op. Zero uses every core.
	NumThreads = Uint("LLAVA_NUM_THREADS", 0)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LLAVA_DEBUG":        {"LLAVA_DEBUG", LogLevel(), "Show additional debug information (e.g. LLAVA_DEBUG=1)"},
		"LLAVA_HOST":         {"LLAVA_HOST", Host(), "IP Address for the llava server (default 127.0.0.1:11435)"},
		"LLAVA_MODELS":       {"LLAVA_MODELS", Models(), "The path to the models directory"},
		"LLAVA_NO_KV_CACHE":  {"LLAVA_NO_KV_CACHE", NoKVCache(), "Recompute the full sequence at every step instead of caching keys and values"},
		"LLAVA_NUM_PARALLEL": {"LLAVA_NUM_PARALLEL", NumParallel(), "Maximum number of parallel generations"},
		"LLAVA_NUM_THREADS":  {"LLAVA_NUM_THREADS", NumThreads(), "Threads used by the CPU backend (default all cores)"},
		"LLAVA_ORIGINS":      {"LLAVA_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Package config validates the external inputs of a run into a single
// immutable Config.
package config

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/nvke/reaper/internal/rerrs"
)

// DefaultPort is used when the caller does not specify a listening port.
const DefaultPort uint16 = 6881

// Config is the validated set of inputs a run needs.
type Config struct {
	MetainfoPath string
	OutputDir    string
	Port         uint16
	PeerID       [20]byte
	PeerIDPrefix string
	LogLevel     string
}

// Options are the raw, unvalidated inputs (typically straight off flag.*
// variables) that New validates into a Config.
type Options struct {
	MetainfoPath string
	OutputDir    string
	Port         uint16
	PeerIDPrefix string
	LogLevel     string
}

// New validates opts into a Config, or returns an InputError describing the
// first problem found.
func New(opts Options) (*Config, error) {
	if opts.MetainfoPath == "" {
		return nil, rerrs.Input("config: metainfo path is required")
	}
	info, err := os.Stat(opts.MetainfoPath)
	if err != nil {
		return nil, rerrs.InputWrap(err, "config: metainfo path %s", opts.MetainfoPath)
	}
	if info.IsDir() {
		return nil, rerrs.Input("config: metainfo path %s is a directory", opts.MetainfoPath)
	}

	if opts.OutputDir == "" {
		return nil, rerrs.Input("config: output directory is required")
	}
	if _, err := os.Stat(opts.OutputDir); err == nil {
		return nil, rerrs.Input("config: output directory %s already exists", opts.OutputDir)
	} else if !os.IsNotExist(err) {
		return nil, rerrs.InputWrap(err, "config: checking output directory %s", opts.OutputDir)
	}

	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}

	prefix := opts.PeerIDPrefix
	if prefix == "" {
		prefix = "-RP0001-"
	}
	if len(prefix) != 8 {
		return nil, rerrs.Input("config: peer id prefix %q must be exactly 8 bytes (\"-XX####-\")", prefix)
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	return &Config{
		MetainfoPath: opts.MetainfoPath,
		OutputDir:    opts.OutputDir,
		Port:         port,
		PeerID:       GeneratePeerID(prefix, os.Getpid(), time.Now()),
		PeerIDPrefix: prefix,
		LogLevel:     logLevel,
	}, nil
}

// GeneratePeerID builds a 20-byte peer_id from an 8-byte "-XX####-"
// convention prefix followed by 12 bytes derived from the process id and
// wall-clock time. Not cryptographically random.
func GeneratePeerID(prefix string, pid int, now time.Time) [20]byte {
	var id [20]byte
	copy(id[:8], prefix)
	binary.BigEndian.PutUint32(id[8:12], uint32(pid))
	binary.BigEndian.PutUint64(id[12:20], uint64(now.UnixNano()))
	return id
}

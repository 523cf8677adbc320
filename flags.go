package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/sshmux/internal/config"
)

// addForwardFlags appends the --local, --remote and --dynamic forwards to f.
func addForwardFlags(f *config.File, locals, remotes, dynamics []string) error {
	for _, s := range locals {
		lf, err := parseLocalForward(s)
		if err != nil {
			return fmt.Errorf("invalid --local %q: %w", s, err)
		}
		f.LocalForwards = append(f.LocalForwards, lf)
	}
	for _, s := range remotes {
		rf, err := parseRemoteForward(s)
		if err != nil {
			return fmt.Errorf("invalid --remote %q: %w", s, err)
		}
		f.RemoteForwards = append(f.RemoteForwards, rf)
	}
	for _, s := range dynamics {
		df, err := parseDynamicForward(s)
		if err != nil {
			return fmt.Errorf("invalid --dynamic %q: %w", s, err)
		}
		f.DynamicForwards = append(f.DynamicForwards, df)
	}
	return nil
}

// splitBind splits an optional leading bind address off parts, which must
// then have exactly n elements.
func splitBind(s string, n int) (string, []string, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case n:
		return "", parts, nil
	case n + 1:
		return parts[0], parts[1:], nil
	default:
		return "", nil, fmt.Errorf("expected %d or %d colon-separated fields", n, n+1)
	}
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 65535 {
		return 0, errors.New("port out of range")
	}
	return n, nil
}

// parseLocalForward parses [bind:]localport:host:remoteport.
func parseLocalForward(s string) (config.LocalForward, error) {
	bind, parts, err := splitBind(s, 3)
	if err != nil {
		return config.LocalForward{}, err
	}
	local, err := parsePort(parts[0])
	if err != nil {
		return config.LocalForward{}, fmt.Errorf("local port: %w", err)
	}
	remote, err := parsePort(parts[2])
	if err != nil {
		return config.LocalForward{}, fmt.Errorf("remote port: %w", err)
	}
	return config.LocalForward{
		LocalPort:   local,
		RemotePort:  remote,
		TargetHost:  parts[1],
		BindAddress: bind,
	}, nil
}

// parseRemoteForward parses [bind:]remoteport:host:port.
func parseRemoteForward(s string) (config.RemoteForward, error) {
	bind, parts, err := splitBind(s, 3)
	if err != nil {
		return config.RemoteForward{}, err
	}
	remote, err := parsePort(parts[0])
	if err != nil {
		return config.RemoteForward{}, fmt.Errorf("remote port: %w", err)
	}
	if _, err := parsePort(parts[2]); err != nil {
		return config.RemoteForward{}, fmt.Errorf("target port: %w", err)
	}
	return config.RemoteForward{
		RemotePort:  remote,
		Target:      net.JoinHostPort(parts[1], parts[2]),
		BindAddress: bind,
	}, nil
}

// parseDynamicForward parses [bind:]localport.
func parseDynamicForward(s string) (config.DynamicForward, error) {
	bind, parts, err := splitBind(s, 1)
	if err != nil {
		return config.DynamicForward{}, err
	}
	local, err := parsePort(parts[0])
	if err != nil {
		return config.DynamicForward{}, fmt.Errorf("local port: %w", err)
	}
	return config.DynamicForward{LocalPort: local, BindAddress: bind}, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

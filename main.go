package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/sshmux/internal/config"
	"github.com/die-net/sshmux/internal/dialer"
	"github.com/die-net/sshmux/internal/session"
	"github.com/die-net/sshmux/internal/ssh"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "Path to a YAML or TOML config file. Flags override its values.")

		host     = pflag.String("host", "", "SSH server host")
		port     = pflag.Int("port", config.DefaultPort, "SSH server port")
		user     = pflag.String("user", os.Getenv("USER"), "SSH user name")
		password = pflag.String("password", os.Getenv("SSHMUX_PASSWORD"), "Password for password and keyboard-interactive auth (default $SSHMUX_PASSWORD)")
		name     = pflag.String("name", "", "Session name used in logs and metrics")

		locals   = pflag.StringArray("local", nil, "Local forward [bind:]localport:host:remoteport (repeatable)")
		remotes  = pflag.StringArray("remote", nil, "Remote forward [bind:]remoteport:host:port (repeatable)")
		dynamics = pflag.StringArray("dynamic", nil, "Dynamic SOCKS5 forward [bind:]localport (repeatable)")

		upstream = pflag.String("upstream", defaultUpstream(), "Transport to the SSH server: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		sshKeyPath        = pflag.String("ssh-key", defaultSSHKeyPath(), "SSH key source: 'agent' for SSH agent, path to private key file, or empty to disable")
		sshKnownHosts     = pflag.String("ssh-known-hosts", defaultSSHKnownHostsPath(), "Path to known_hosts file for SSH host key verification, or empty to disable")
		strictHostKeys    = pflag.Bool("strict-host-key-checking", false, "Refuse servers whose host key is unknown or does not match")
		addUnknownHosts   = pflag.Bool("add-unknown-hosts", false, "Record host keys of servers not yet in known_hosts")
		connectTimeout    = pflag.Duration("connect-timeout", 0, "Timeout for transport and handshake (default 60s)")
		keepaliveInterval = pflag.Duration("keepalive-interval", 0, "Keepalive interval while connected (default 10s)")
		disconnectTimeout = pflag.Duration("disconnect-timeout", 0, "Time allowed for channels to close on disconnect (default 5s)")

		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for upstream proxy negotiation")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		metricsListen = pflag.String("metrics-listen", "", "Prometheus /metrics listen address (e.g. 127.0.0.1:9100). Empty disables.")
		debugListen   = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		logLevel      = pflag.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
		logFormat     = pflag.String("log-format", config.DefaultLogFormat, "Log format: text or json")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	f := &config.File{}
	if *configPath != "" {
		var err error
		if f, err = config.LoadFile(*configPath); err != nil {
			return err
		}
	}

	changed := pflag.CommandLine.Changed
	override := func(flag string, dst *string, v string) {
		if changed(flag) || *dst == "" {
			*dst = v
		}
	}
	override("host", &f.Session.Host, *host)
	override("user", &f.Session.User, *user)
	override("password", &f.Session.Password, *password)
	override("name", &f.Session.Name, *name)
	override("upstream", &f.Session.Upstream, *upstream)
	override("ssh-key", &f.Session.Key, *sshKeyPath)
	override("ssh-known-hosts", &f.Session.KnownHosts, *sshKnownHosts)
	override("log-level", &f.Logging.Level, *logLevel)
	override("log-format", &f.Logging.Format, *logFormat)
	override("metrics-listen", &f.Metrics.Listen, *metricsListen)
	if changed("port") || f.Session.Port == 0 {
		f.Session.Port = *port
	}
	if changed("strict-host-key-checking") {
		f.Session.StrictHostKeyChecking = *strictHostKeys
	}
	if changed("add-unknown-hosts") {
		f.Session.AddUnknownHosts = *addUnknownHosts
	}
	for flag, d := range map[string]struct {
		dst *string
		v   time.Duration
	}{
		"connect-timeout":    {&f.Session.ConnectTimeout, *connectTimeout},
		"keepalive-interval": {&f.Session.KeepaliveInterval, *keepaliveInterval},
		"disconnect-timeout": {&f.Session.DisconnectTimeout, *disconnectTimeout},
	} {
		if changed(flag) {
			*d.dst = d.v.String()
		}
	}
	if err := addForwardFlags(f, *locals, *remotes, *dynamics); err != nil {
		return err
	}

	f.ApplyDefaults()
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if f.Session.Name == "" {
		f.Session.Name = f.Session.Host
	}

	level, err := f.Logging.SlogLevel()
	if err != nil {
		return err
	}
	logger := setupLogger(level, f.Logging.Format)
	slog.SetDefault(logger)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}
	transport, err := dialer.New(dialCfg, f.Session.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	cfg, err := f.Session.SessionConfig()
	if err != nil {
		return err
	}
	signers, release, err := ssh.LoadSigners(f.Session.Key)
	if err != nil {
		return fmt.Errorf("loading ssh key: %w", err)
	}
	defer func() { _ = release() }()
	cfg.Signers = signers

	opts := []session.Option{
		session.WithName(f.Session.Name),
		session.WithLogger(logger),
		session.WithDialer(transport),
		session.WithLocalDialer(dialer.NewDirectDialer(dialCfg)),
	}
	if f.Session.KnownHosts != "" {
		hosts := ssh.NewKnownHosts(logger)
		if err := hosts.LoadFile(f.Session.KnownHosts); err != nil {
			return fmt.Errorf("loading known hosts: %w", err)
		}
		opts = append(opts, session.WithHostKeyStore(hosts))
	}

	s, err := session.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := serveHTTP(ctx, g, "metrics", f.Metrics.Listen, mux, ka); err != nil {
			return err
		}
	}
	if *debugListen != "" {
		if err := serveHTTP(ctx, g, "debug", *debugListen, http.DefaultServeMux, ka); err != nil {
			return err
		}
	}

	events := make(chan session.Event, 16)
	s.Notify(events)
	defer s.StopNotify(events)

	if err := s.Connect(ctx, f.Session.User, f.Session.Host, f.Session.Port); err != nil {
		return fmt.Errorf("connect %s@%s:%d: %w", f.Session.User, f.Session.Host, f.Session.Port, err)
	}
	logger.Info("connected",
		slog.String("host", f.Session.Host),
		slog.String("host_key", s.HostKey().Fingerprint()),
		slog.String("host_key_status", s.HostKeyStatus().String()))

	if err := openForwards(ctx, s, f, logger); err != nil {
		_ = s.Disconnect(context.Background())
		return err
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				logger.Debug("session event", slog.String("event", ev.Type.String()), slog.String("state", ev.State.String()))
				if ev.Type == session.EventDisconnected && ev.Err != nil {
					return fmt.Errorf("session lost: %w", ev.Err)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		dctx, cancel := context.WithTimeout(context.Background(), cfg.GetDisconnectTimeout()+time.Second)
		defer cancel()
		return s.Disconnect(dctx)
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}

func openForwards(ctx context.Context, s *session.Session, f *config.File, logger *slog.Logger) error {
	for _, lf := range f.LocalForwards {
		var opts []session.ForwardOption
		if lf.TargetHost != "" {
			opts = append(opts, session.WithTargetHost(lf.TargetHost))
		}
		if lf.BindAddress != "" {
			opts = append(opts, session.WithBindAddress(lf.BindAddress))
		}
		port, err := s.OpenLocalForward(ctx, lf.Name, lf.RemotePort, lf.LocalPort, opts...)
		if err != nil {
			return fmt.Errorf("local forward %q: %w", lf.Name, err)
		}
		logger.Info("local forward listening", slog.String("forward", lf.Name), slog.Int("port", port), slog.Int("remote_port", lf.RemotePort))
	}

	for _, rf := range f.RemoteForwards {
		var opts []session.ForwardOption
		if rf.BindAddress != "" {
			opts = append(opts, session.WithBindAddress(rf.BindAddress))
		}
		port, err := s.OpenRemoteForward(ctx, rf.Name, rf.RemotePort, rf.Target, opts...)
		if err != nil {
			return fmt.Errorf("remote forward %q: %w", rf.Name, err)
		}
		logger.Info("remote forward active", slog.String("forward", rf.Name), slog.Int("helper_port", port), slog.String("target", rf.Target))
	}

	for _, df := range f.DynamicForwards {
		var opts []session.ForwardOption
		if df.BindAddress != "" {
			opts = append(opts, session.WithBindAddress(df.BindAddress))
		}
		port, err := s.OpenDynamicForward(ctx, df.Name, df.LocalPort, opts...)
		if err != nil {
			return fmt.Errorf("dynamic forward %q: %w", df.Name, err)
		}
		logger.Info("socks5 forward listening", slog.String("forward", df.Name), slog.Int("port", port))
	}
	return nil
}

func serveHTTP(ctx context.Context, g *errgroup.Group, name, addr string, h http.Handler, ka net.KeepAliveConfig) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	lc := net.ListenConfig{KeepAliveConfig: ka}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listen: %w", name, err)
	}
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s serve: %w", name, err)
		}
		return nil
	})
	slog.Info("http listening", slog.String("server", name), slog.String("addr", addr))
	return nil
}

func setupLogger(level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKeyPath() string {
	if ssh.AgentAvailable() {
		return ssh.AgentAuthType
	}
	return ""
}

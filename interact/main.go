package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/imapclient/client"
	"github.com/go-pluto/imapclient/config"
	"github.com/go-pluto/imapclient/idle"
	"github.com/go-pluto/imapclient/imap"
	"github.com/pkg/errors"
	"golang.org/x/net/context"
)

// Functions

// initLogger initializes a JSON gokit-logger set
// to the according log level supplied via cli flag.
func initLogger(loglevel string) log.Logger {

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

// initTLSConfig assembles the TLS parameters for the configured
// server, loading an extra root certificate if one is named.
func initTLSConfig(conf *config.Config) (*tls.Config, error) {

	host, _, err := net.SplitHostPort(conf.Server.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed server address '%s'", conf.Server.Addr)
	}

	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	if conf.Server.RootCertLoc != "" {

		pem, err := os.ReadFile(conf.Server.RootCertLoc)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read root certificate")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificate found in '%s'", conf.Server.RootCertLoc)
		}

		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// connect dials the configured server, upgrades the transport as
// configured, and logs in.
func connect(logger log.Logger, conf *config.Config, env *config.Env) (*client.Client, error) {

	tlsConfig, err := initTLSConfig(conf)
	if err != nil {
		return nil, err
	}

	var conn *client.Connection
	if conf.Server.TLS {
		conn, err = client.DialTLS(conf.Server.Addr, tlsConfig)
	} else {
		conn, err = client.Dial(conf.Server.Addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to '%s'", conf.Server.Addr)
	}

	c, err := client.NewClient(conn, logger)
	if err != nil {
		return nil, err
	}

	if conf.Server.StartTLS {
		if err := c.StartTLSUpgrade(tlsConfig); err != nil {
			return nil, errors.Wrap(err, "STARTTLS upgrade failed")
		}
	}

	user := conf.Server.User
	if env.User != "" {
		user = env.User
	}

	if err := c.Login(user, env.Password); err != nil {
		return nil, errors.Wrapf(err, "login failed for user '%s'", user)
	}

	return c, nil
}

// runShell reads raw commands from stdin and prints each exchange:
// untagged data first, then the tagged completion. The first token of
// a line is the verb, everything after travels verbatim.
func runShell(logger log.Logger, c *client.Client) {

	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("connected, enter IMAP commands without tags, 'quit' ends the session")

	for {

		fmt.Print("> ")

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			break
		}

		fields := strings.SplitN(line, " ", 2)

		args := []imap.Argument{}
		if len(fields) > 1 {
			args = append(args, imap.Plain(fields[1]))
		}

		resp, err := c.Execute(fields[0], args...)

		if resp != nil {

			for _, group := range resp.Untagged {
				for _, record := range group {

					fmt.Printf("* %s\n", record.Text)

					if record.Literal != nil {
						fmt.Printf("%s\n", record.Literal)
					}
				}
			}

			fmt.Printf("%s %s\n", resp.Status, resp.Text)
		}

		if err != nil {

			if imap.IsFatal(err) {
				level.Error(logger).Log("msg", "connection lost", "err", err)
				return
			}

			if _, ok := imap.IsCommandError(err); !ok {
				level.Warn(logger).Log("msg", "command failed", "err", err)
			}
		}
	}

	if err := c.Logout(); err != nil {
		level.Warn(logger).Log("msg", "logout failed", "err", err)
	}
}

// runIdle opens one connection per watched folder, hands them to the
// multiplexer, and prints mailbox events until interrupted.
func runIdle(logger log.Logger, conf *config.Config, env *config.Env, metrics *idle.Metrics) error {

	folders := conf.Idle.Folders
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}

	m := idle.NewMultiplexer(logger, metrics, idle.Config{
		MaxAge:       conf.Idle.MaxAge(),
		PollInterval: conf.Idle.PollInterval(),
		EmptyBackoff: conf.Idle.EmptyBackoff(),
	})

	for _, folder := range folders {

		c, err := connect(logger, conf, env)
		if err != nil {
			return err
		}

		if _, err := c.Select(folder); err != nil {
			return errors.Wrapf(err, "failed to select folder '%s'", folder)
		}

		if err := m.Register(folder, c, folder); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-interrupt
		cancel()
	}()

	go m.Run(ctx)

	for n := range m.Notifications() {

		if n.Terminal {
			break
		}

		if n.Err != nil {
			level.Warn(logger).Log("msg", "watched connection dropped", "name", n.Name, "err", n.Err)
			continue
		}

		level.Info(logger).Log(
			"msg", "mailbox changed",
			"folder", n.Folder,
			"exists", n.Exists,
			"expunged", len(n.Expunged),
		)
	}

	return nil
}

func main() {

	// Parse command-line flag that defines a config path.
	configFlag := flag.String("config", "config.toml", "Provide path to configuration file in TOML syntax.")
	envFlag := flag.String("env", ".env", "Provide path to the .env file carrying the account credentials.")
	idleFlag := flag.Bool("idle", false, "Append this flag to watch the configured folders via IDLE instead of opening an interactive shell.")
	loglevelFlag := flag.String("loglevel", "debug", "This flag sets the default logging level.")
	flag.Parse()

	logger := initLogger(*loglevelFlag)

	// Read configuration from file.
	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load the config", "err", err)
		os.Exit(1)
	}

	env, err := config.LoadEnv(*envFlag)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load the env file", "err", err)
		os.Exit(1)
	}

	metrics := idle.NewMetrics(conf.PrometheusAddr)
	go runPromHTTP(logger, conf.PrometheusAddr)

	if *idleFlag {

		if err := runIdle(logger, conf, env, metrics); err != nil {
			level.Error(logger).Log("msg", "idle watcher failed", "err", err)
			os.Exit(2)
		}

		return
	}

	c, err := connect(logger, conf, env)
	if err != nil {
		level.Error(logger).Log("msg", "failed to establish the session", "err", err)
		os.Exit(2)
	}

	runShell(logger, c)
}

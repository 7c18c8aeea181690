package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/screenrelay/pkg/datastore"
	"github.com/NicolasHaas/screenrelay/pkg/logging"
	"github.com/NicolasHaas/screenrelay/pkg/model"
	"github.com/NicolasHaas/screenrelay/pkg/server"
	"github.com/NicolasHaas/screenrelay/pkg/version"
)

// commands are one-shot operations that run instead of the server.
type commands struct {
	configPath string

	createUser  string
	setPassword string
	deleteUser  string
	disableUser string
	enableUser  string
	password    string
	role        string

	exportUsers  bool
	importUsers  string
	listSessions bool
	showVersion  bool
}

func newFlagSet(cfg *server.Config, cmds *commands) *pflag.FlagSet {
	fs := pflag.NewFlagSet("screenrelay-server", pflag.ContinueOnError)

	fs.StringVarP(&cmds.configPath, "config", "c", "", "YAML config file; flags override its values")

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "relay TCP bind address")
	fs.BoolVar(&cfg.SSLEnabled, "ssl", cfg.SSLEnabled, "wrap connections in TLS")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file (default <data>/server.crt)")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key file (default <data>/server.key)")
	fs.BoolVar(&cfg.GenerateCert, "generate-cert", cfg.GenerateCert, "generate a self-signed certificate when none exists")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "data directory for generated files")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite credential store path (empty for in-memory)")
	fs.StringVar(&cfg.AdminAddr, "admin", cfg.AdminAddr, "HTTP bind address for /metrics, /healthz and /sessions (empty to disable)")
	fs.IntVar(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "largest accepted message payload in bytes")
	fs.IntVar(&cfg.ViewerQueueSize, "queue-size", cfg.ViewerQueueSize, "per-connection outbound queue capacity")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum open sessions (0 for unlimited)")
	fs.IntVar(&cfg.MaxViewersPerSession, "max-viewers", cfg.MaxViewersPerSession, "maximum viewers per session (0 for unlimited)")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "time allowed for TLS handshake and authentication")
	fs.IntVar(&cfg.MaxAuthAttempts, "max-auth-attempts", cfg.MaxAuthAttempts, "failed logins before the connection is closed")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-message socket write deadline")
	fs.DurationVar(&cfg.SessionIdleTimeout, "idle-timeout", cfg.SessionIdleTimeout, "close viewerless sessions idle this long (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: "+logging.LevelNames())
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also append logs to this file")

	fs.StringVar(&cmds.createUser, "create-user", "", "create a user (with --password and --role) and exit")
	fs.StringVar(&cmds.setPassword, "set-password", "", "change a user's password (with --password) and exit")
	fs.StringVar(&cmds.deleteUser, "delete-user", "", "delete a user and exit")
	fs.StringVar(&cmds.disableUser, "disable-user", "", "disable a user's login and exit")
	fs.StringVar(&cmds.enableUser, "enable-user", "", "re-enable a user's login and exit")
	fs.StringVar(&cmds.password, "password", "", "password for --create-user or --set-password")
	fs.StringVar(&cmds.role, "role", "user", "role for --create-user: viewer, user or admin")
	fs.BoolVar(&cmds.exportUsers, "export-users", false, "print all users as YAML and exit")
	fs.StringVar(&cmds.importUsers, "import-users", "", "create or update users from a YAML file and exit")
	fs.BoolVar(&cmds.listSessions, "list-sessions", false, "list open sessions of a running server and exit")
	fs.BoolVar(&cmds.showVersion, "version", false, "print version and exit")
	return fs
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// First pass only finds --config; the second applies flags over it.
	var scratch server.Config
	var cmds commands
	if err := newFlagSet(&scratch, &cmds).Parse(args); err != nil {
		return err
	}

	cfg := server.DefaultConfig()
	if cmds.configPath != "" {
		loaded, err := server.LoadConfig(cmds.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cmds = commands{}
	if err := newFlagSet(&cfg, &cmds).Parse(args); err != nil {
		return err
	}

	if cmds.showVersion {
		fmt.Println("screenrelay-server", version.Full())
		return nil
	}

	closer, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
		File:   cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	defer func() { _ = closer.Close() }()

	if cmds.listSessions {
		return listSessions(cfg.AdminAddr)
	}

	st, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}

	if handled, err := runUserCommand(st, cmds); handled || err != nil {
		_ = st.Close()
		return err
	}

	srv, err := server.New(cfg, server.Dependencies{Store: st})
	if err != nil {
		_ = st.Close()
		return err
	}
	return srv.Run()
}

func openStore(path string) (datastore.DataProviderFactory, error) {
	if path == "" {
		slog.Warn("no db path configured, accounts live in memory only")
		return datastore.NewMemory(), nil
	}
	st, err := datastore.NewProviderFactory(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return st, nil
}

// runUserCommand executes an account command, reporting whether one was given.
func runUserCommand(st datastore.DataProviderFactory, cmds commands) (bool, error) {
	switch {
	case cmds.createUser != "":
		role, err := model.RoleFromString(cmds.role)
		if err != nil {
			return true, err
		}
		u, err := server.CreateUser(st, cmds.createUser, cmds.password, role)
		if err != nil {
			return true, fmt.Errorf("create user: %w", err)
		}
		slog.Info("user created", "user", u.Username, "role", u.Role.String())
	case cmds.setPassword != "":
		if err := server.SetPassword(st, cmds.setPassword, cmds.password); err != nil {
			return true, fmt.Errorf("set password: %w", err)
		}
		slog.Info("password updated", "user", cmds.setPassword)
	case cmds.deleteUser != "":
		if err := st.NonTx().DeleteUser(cmds.deleteUser); err != nil {
			return true, fmt.Errorf("delete user: %w", err)
		}
		slog.Info("user deleted", "user", cmds.deleteUser)
	case cmds.disableUser != "":
		if err := st.NonTx().SetActive(cmds.disableUser, false); err != nil {
			return true, fmt.Errorf("disable user: %w", err)
		}
		slog.Info("user disabled", "user", cmds.disableUser)
	case cmds.enableUser != "":
		if err := st.NonTx().SetActive(cmds.enableUser, true); err != nil {
			return true, fmt.Errorf("enable user: %w", err)
		}
		slog.Info("user enabled", "user", cmds.enableUser)
	case cmds.exportUsers:
		data, err := server.ExportUsersYAML(st)
		if err != nil {
			return true, err
		}
		fmt.Print(string(data))
	case cmds.importUsers != "":
		if _, err := server.LoadUsersFromYAML(context.Background(), cmds.importUsers, st); err != nil {
			return true, err
		}
	default:
		return false, nil
	}
	return true, nil
}

// listSessions queries the admin endpoint of a running server.
func listSessions(adminAddr string) error {
	if adminAddr == "" {
		return errors.New("--list-sessions needs an admin address")
	}
	host, port, err := net.SplitHostPort(adminAddr)
	if err != nil {
		return fmt.Errorf("admin address %q: %w", adminAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+net.JoinHostPort(host, port)+"/sessions", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query sessions: %s", resp.Status)
	}

	var sessions []model.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("no open sessions")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SESSION\tNAME\tHOST\tVIEWERS\tCREATED")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Name, s.Host, s.ViewerCount, s.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

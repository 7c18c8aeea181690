package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/screenrelay/pkg/client"
	"github.com/NicolasHaas/screenrelay/pkg/logging"
	"github.com/NicolasHaas/screenrelay/pkg/protocol"
	"github.com/NicolasHaas/screenrelay/pkg/version"
)

type options struct {
	addr         string
	username     string
	password     string
	useTLS       bool
	insecure     bool
	bookmark     string
	saveBookmark string
	bookmarks    string

	host      bool
	sessionID string
	name      string
	framesDir string
	fps       float64
	clipboard string

	join   string
	outDir string

	list bool
	ping bool

	logLevel    string
	showVersion bool
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
	var o options
	fs := pflag.NewFlagSet("screenrelay-client", pflag.ContinueOnError)
	fs.StringVarP(&o.addr, "addr", "a", "localhost:8443", "relay server address")
	fs.StringVarP(&o.username, "user", "u", "", "username")
	fs.StringVar(&o.password, "password", "", "password (default $SCREENRELAY_PASSWORD)")
	fs.BoolVar(&o.useTLS, "tls", true, "connect with TLS")
	fs.BoolVar(&o.insecure, "insecure", false, "accept self-signed server certificates")
	fs.StringVarP(&o.bookmark, "bookmark", "b", "", "connect using a saved bookmark")
	fs.StringVar(&o.saveBookmark, "save-bookmark", "", "save the connection settings under this name")
	fs.StringVar(&o.bookmarks, "bookmarks-file", "", "bookmark file (default in the user config dir)")

	fs.BoolVar(&o.host, "host", false, "host a session and stream frames")
	fs.StringVar(&o.sessionID, "session-id", "", "requested session id when hosting")
	fs.StringVar(&o.name, "name", "", "session name when hosting")
	fs.StringVar(&o.framesDir, "frames", "", "directory of encoded frames to stream in name order, looping")
	fs.Float64Var(&o.fps, "fps", 5, "frames per second when hosting")
	fs.StringVar(&o.clipboard, "clipboard", "", "clipboard text to send once after the session starts")

	fs.StringVarP(&o.join, "join", "j", "", "join the session with this id as a viewer")
	fs.StringVar(&o.outDir, "out", "", "write received frames into this directory")

	fs.BoolVar(&o.list, "list", false, "list open sessions (admin only)")
	fs.BoolVar(&o.ping, "ping", false, "measure round trip time")

	fs.StringVar(&o.logLevel, "log-level", "info", "log level: "+logging.LevelNames())
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if o.showVersion {
		fmt.Println("screenrelay-client", version.Full())
		return nil
	}
	if _, err := logging.Setup(logging.Options{Level: o.logLevel, Format: "text", Output: os.Stderr}); err != nil {
		return err
	}

	if err := applyBookmark(fs, &o); err != nil {
		return err
	}
	if o.password == "" {
		o.password = os.Getenv("SCREENRELAY_PASSWORD")
	}
	if o.username == "" {
		return errors.New("--user is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tlsCfg *tls.Config
	if o.useTLS {
		tlsCfg = &tls.Config{
			InsecureSkipVerify: o.insecure, //nolint:gosec // opt-in for self-signed relays
			MinVersion:         tls.VersionTLS12,
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, o.addr, tlsCfg)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	role, err := c.Authenticate(o.username, o.password)
	if err != nil {
		return err
	}
	slog.Info("authenticated", "user", o.username, "role", role, "server", o.addr)

	if o.saveBookmark != "" {
		if err := saveBookmark(o); err != nil {
			slog.Warn("could not save bookmark", "err", err)
		}
	}

	switch {
	case o.ping:
		rtt, err := c.Ping()
		if err != nil {
			return err
		}
		fmt.Printf("pong from %s in %s\n", o.addr, rtt)
		return nil
	case o.list:
		return printSessions(c)
	case o.host:
		return hostSession(ctx, c, o)
	case o.join != "":
		return viewSession(ctx, c, o)
	default:
		return errors.New("nothing to do: pass --host, --join, --list or --ping")
	}
}

// applyBookmark fills unset connection flags from a saved bookmark.
func applyBookmark(fs *pflag.FlagSet, o *options) error {
	if o.bookmark == "" {
		return nil
	}
	bs := client.NewBookmarkStore(o.bookmarks)
	if err := bs.Load(); err != nil {
		return fmt.Errorf("load bookmarks: %w", err)
	}
	b := bs.Find(o.bookmark)
	if b == nil {
		return fmt.Errorf("no bookmark named %q in %s", o.bookmark, bs.Path())
	}
	if !fs.Changed("addr") {
		o.addr = b.Addr
	}
	if !fs.Changed("user") {
		o.username = b.Username
	}
	if !fs.Changed("tls") {
		o.useTLS = b.TLS
	}
	if !fs.Changed("insecure") {
		o.insecure = b.Insecure
	}
	bs.Touch(b.Name, time.Now().Unix())
	return bs.Save()
}

func saveBookmark(o options) error {
	bs := client.NewBookmarkStore(o.bookmarks)
	if err := bs.Load(); err != nil {
		return err
	}
	bs.Add(client.Bookmark{
		Name:     o.saveBookmark,
		Addr:     o.addr,
		Username: o.username,
		TLS:      o.useTLS,
		Insecure: o.insecure,
		LastUsed: time.Now().Unix(),
	})
	if err := bs.Save(); err != nil {
		return err
	}
	slog.Info("bookmark saved", "name", o.saveBookmark, "file", bs.Path())
	return nil
}

func printSessions(c *client.Client) error {
	sessions, err := c.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no open sessions")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SESSION\tNAME\tHOST\tVIEWERS\tCREATED")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.SessionID, s.Name, s.Host, s.ViewerCount, s.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func hostSession(ctx context.Context, c *client.Client, o options) error {
	var frames []string
	if o.framesDir != "" {
		entries, err := os.ReadDir(o.framesDir)
		if err != nil {
			return fmt.Errorf("read frames: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				frames = append(frames, filepath.Join(o.framesDir, e.Name()))
			}
		}
		sort.Strings(frames)
		if len(frames) == 0 {
			return fmt.Errorf("no frames in %s", o.framesDir)
		}
	}
	if o.fps <= 0 {
		return errors.New("--fps must be positive")
	}

	id, err := c.CreateSession(o.sessionID, o.name)
	if err != nil {
		return err
	}
	fmt.Printf("hosting session %s\n", id)

	recvErr := make(chan error, 1)
	go func() { recvErr <- hostEvents(c) }()

	if o.clipboard != "" {
		if _, err := c.SendClipboard(o.clipboard); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / o.fps))
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErr:
			return err
		case <-ticker.C:
		}
		if len(frames) == 0 {
			continue
		}
		data, err := os.ReadFile(frames[i%len(frames)])
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if _, err := c.SendFrame(data); err != nil {
			return err
		}
	}
}

// hostEvents logs what the server tells a host until the connection ends.
func hostEvents(c *client.Client) error {
	for {
		m, err := c.Recv()
		if err != nil {
			return err
		}
		switch m.Type {
		case protocol.TypeViewerJoined, protocol.TypeViewerLeft:
			var ev protocol.ViewerEvent
			if err := protocol.Decode(m, &ev); err == nil {
				slog.Info(m.Type.String(), "viewer", ev.Username, "viewers", ev.ViewerCount)
			}
		case protocol.TypeClipboard:
			if d, err := protocol.DecodeData(m); err == nil {
				fmt.Printf("clipboard from viewer: %s\n", d.Payload)
			}
		case protocol.TypeClose:
			var cl protocol.Close
			_ = protocol.Decode(m, &cl)
			return &client.ClosedError{Reason: cl.Reason}
		}
	}
}

func viewSession(ctx context.Context, c *client.Client, o options) error {
	res, err := c.JoinSession(o.join)
	if err != nil {
		return err
	}
	fmt.Printf("watching %q hosted by %s\n", res.Name, res.Host)
	if o.outDir != "" {
		if err := os.MkdirAll(o.outDir, 0o750); err != nil {
			return err
		}
	}

	recvErr := make(chan error, 1)
	go func() { recvErr <- viewerLoop(c, o.outDir) }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-recvErr:
		var closed *client.ClosedError
		if errors.As(err, &closed) {
			fmt.Printf("session ended: %s\n", closed.Reason)
			return nil
		}
		return err
	}
}

func viewerLoop(c *client.Client, outDir string) error {
	frames := 0
	for {
		m, err := c.Recv()
		if err != nil {
			return err
		}
		switch m.Type {
		case protocol.TypeFrame:
			d, err := protocol.DecodeData(m)
			if err != nil {
				return err
			}
			frames++
			slog.Debug("frame", "seq", d.Sequence, "bytes", len(d.Payload))
			if outDir != "" {
				path := filepath.Join(outDir, fmt.Sprintf("frame-%08d.bin", d.Sequence))
				if err := os.WriteFile(path, d.Payload, 0o600); err != nil {
					return err
				}
			}
		case protocol.TypeClipboard:
			if d, err := protocol.DecodeData(m); err == nil {
				fmt.Printf("clipboard: %s\n", d.Payload)
			}
		case protocol.TypeClose:
			var cl protocol.Close
			_ = protocol.Decode(m, &cl)
			slog.Info("received frames", "count", frames)
			return &client.ClosedError{Reason: cl.Reason}
		}
	}
}

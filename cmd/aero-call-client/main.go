// Command aero-call-client is a headless peer for the call signaling server.
//
// It registers a username, optionally places a call, and opens a data channel
// with whoever answers. Useful for smoke-testing a deployment without a
// browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callclient"
)

type options struct {
	server     string
	username   string
	password   string
	apiKey     string
	token      string
	call       string
	autoAnswer bool
	logLevel   slog.Level
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("aero-call-client", flag.ContinueOnError)
	fs.StringVar(&opts.server, "server", "http://127.0.0.1:8080", "Signaling server base URL")
	fs.StringVar(&opts.username, "username", "", "Username to register as")
	fs.StringVar(&opts.password, "password", "", "Password for /api/auth")
	fs.StringVar(&opts.apiKey, "api-key", os.Getenv("AERO_CALL_CLIENT_API_KEY"), "API key for /api/auth")
	fs.StringVar(&opts.token, "token", "", "Signaling token; skips /api/auth")
	fs.StringVar(&opts.call, "call", "", "Username to call once registered")
	fs.BoolVar(&opts.autoAnswer, "auto-answer", true, "Accept incoming calls")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.username == "" {
		return options{}, errors.New("-username is required")
	}
	if err := opts.logLevel.UnmarshalText([]byte(*logLevel)); err != nil {
		return options{}, fmt.Errorf("invalid -log-level %q", *logLevel)
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, opts); err != nil {
		logger.Error("call client exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	token := opts.token
	if token == "" {
		t, err := callclient.FetchToken(setupCtx, nil, opts.server, opts.username, opts.password, opts.apiKey)
		switch {
		case errors.Is(err, callclient.ErrTokenEndpointDisabled):
			logger.Info("token endpoint disabled; connecting with bare username")
		case err != nil:
			return err
		default:
			token = t
		}
	}

	servers, err := callclient.FetchICEServers(setupCtx, nil, opts.server, token)
	if err != nil {
		return err
	}

	client, err := callclient.Dial(setupCtx, callclient.Config{
		BaseURL:    opts.server,
		Username:   opts.username,
		Token:      token,
		ICEServers: usableICEServers(servers),
		AutoAnswer: opts.autoAnswer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	logger.Info("registered", "username", opts.username, "ice_servers", len(servers))

	if opts.call != "" {
		if err := client.Call(opts.call); err != nil {
			return err
		}
		logger.Info("calling", "peer", opts.call)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			_ = client.Leave()
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				return nil
			}
			if ev.Kind == callclient.EventDisconnected {
				if websocket.IsCloseError(ev.Err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info("server closed the connection")
					return nil
				}
				return ev.Err
			}
			logEvent(logger, ev)
		}
	}
}

func logEvent(logger *slog.Logger, ev callclient.Event) {
	switch ev.Kind {
	case callclient.EventUsers:
		entries := make([]string, 0, len(ev.Users))
		for _, u := range ev.Users {
			entries = append(entries, u.Username+"="+u.State.String())
		}
		logger.Info("presence", "users", strings.Join(entries, " "))
	case callclient.EventServiceError:
		logger.Warn("service error", "type", ev.ServiceError)
	case callclient.EventPeerState:
		logger.Info("peer connection state", "peer", ev.Peer, "state", ev.PeerState.String())
	case callclient.EventMessage:
		logger.Info("message", "peer", ev.Peer, "text", ev.Text)
	default:
		logger.Info(string(ev.Kind), "peer", ev.Peer)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/flonle/rediscope/app/rediscope/relay"
)

func watchCmd() *cobra.Command {
	var (
		server string
		buffer int
		dump   bool
	)
	cmd := &cobra.Command{
		Use:   "watch <channel-or-pattern>",
		Short: "Print messages published to a channel or pattern",
		Long: "Connects to a running rediscope server and prints every message relayed for the\n" +
			"target. Targets containing *, ? or [ are treated as patterns.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			u, err := subscribeURL(server, args[0])
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", server, err)
			}
			defer conn.Close()

			window := relay.NewWindow(buffer)
			out := cmd.OutOrStdout()
			err = watch(ctx, conn, window, out)
			if dump {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if derr := enc.Encode(window.Messages()); derr != nil {
					err = errors.Join(err, derr)
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d messages kept, %d dropped\n", window.Len(), window.Dropped())
			return err
		},
	}
	f := cmd.Flags()
	f.StringVarP(&server, "server", "s", "http://localhost:3000", "base URL of the rediscope server")
	f.IntVarP(&buffer, "buffer", "n", relay.DefaultWindow, "how many recent messages to keep")
	f.BoolVar(&dump, "dump", false, "write the kept messages as JSON on exit")
	return cmd
}

// subscribeURL turns an http(s) base URL into the relay socket URL.
func subscribeURL(base, target string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/pubsub/subscribe"
	u.RawQuery = url.Values{"target": {target}}.Encode()
	return u.String(), nil
}

// watch reads relay frames until ctx ends or the server closes the socket.
func watch(ctx context.Context, conn *websocket.Conn, window *relay.Window, out io.Writer) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var frame struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("bad frame: %w", err)
		}
		if frame.Type == "error" {
			fmt.Fprintln(out, "error:", frame.Error)
			continue
		}

		var e relay.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("bad frame: %w", err)
		}
		switch e.Type {
		case relay.EventSubscribed:
			kind := "channel"
			if e.Target.Pattern {
				kind = "pattern"
			}
			fmt.Fprintf(out, "subscribed to %s %s\n", kind, e.Target.Name)
		case relay.EventMessage:
			window.Push(e.Message)
			fmt.Fprintf(out, "%s %s %s\n", e.Message.ReceivedAt.Format(time.TimeOnly), e.Message.Channel, e.Message.Payload)
		}
	}
}

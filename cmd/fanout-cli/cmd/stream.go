package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	ws "github.com/nfrund/fanout/internal/websocket"
)

var (
	streamSubject string
	streamFilter  string
	streamRaw     bool
)

var streamCmd = &cobra.Command{
	Use:   "stream <topic>",
	Short: "Stream messages from a topic",
	Long: `Open a WebSocket stream and print each message until interrupted.

Examples:
  fanout-cli stream broadcast
  fanout-cli stream notifications --subject 42 --filter 'attributes.user_id = "42"'
  fanout-cli stream feed.updates --filter 'attributes.action = "created"' --raw`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(serverURL)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runStream(ctx, client.streamURL(args[0], streamSubject, streamFilter), cmd.OutOrStdout(), streamRaw)
	},
}

func runStream(ctx context.Context, url string, out io.Writer, raw bool) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %s", url, resp.Status)
		}
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.Close()
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := printFrame(out, b, raw); err != nil {
			return err
		}
	}
}

func printFrame(out io.Writer, b []byte, raw bool) error {
	if raw {
		_, err := fmt.Fprintln(out, string(b))
		return err
	}
	var f ws.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == ws.TypeError {
		return errors.New(f.Error)
	}
	_, err := fmt.Fprintf(out, "[%s] %s %s\n", f.Topic, f.ID, string(f.Data))
	return err
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringVar(&streamSubject, "subject", "", "Subscribe to a subject within the topic")
	streamCmd.Flags().StringVar(&streamFilter, "filter", "", "Broker filter expression")
	streamCmd.Flags().BoolVar(&streamRaw, "raw", false, "Print frames as received")
}

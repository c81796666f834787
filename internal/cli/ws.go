package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/gobwas/ws"
	"github.com/spf13/cobra"

	"github.com/redial-dev/redial/client"
	"github.com/redial-dev/redial/pool"
	"github.com/redial-dev/redial/wsocket"
)

var wsCmd = &cobra.Command{
	Use:   "ws",
	Short: "Websocket utilities",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var wsServeCmd = &cobra.Command{
	Use:   "serve ADDR",
	Short: "Run a websocket echo server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		addr := args[0]
		protocols, _ := cmd.Flags().GetStringArray("protocol")
		log := newLogger()

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log.Info().Str("addr", addr).Msg("websocket echo server listening")

		for {
			conn, err := ln.Accept()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			go func() {
				ops, err := wsocket.Upgrade(conn, wsocket.Spec{Protocols: protocols, Log: log})
				if err != nil {
					log.Warn().Err(err).Msg("handshake rejected")
					_ = conn.Close()
					return
				}
				go func() {
					status, err := ops.CloseState().Await(context.Background())
					if err == nil {
						log.Info().Str("status", status.String()).Msg("websocket closed")
					}
				}()
				err = ops.ReadLoop(func(f wsocket.Frame) {
					_ = ops.Send(f.Op, f.Payload)
				})
				if err != nil {
					log.Debug().Err(err).Msg("read loop ended")
				}
			}()
		}
	},
}

var wsConnectCmd = &cobra.Command{
	Use:   "connect URL",
	Short: "Upgrade a connection and exchange one message",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := args[0]
		message, _ := cmd.Flags().GetString("message")
		protocols, _ := cmd.Flags().GetStringArray("protocol")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		opts, err := profileOptions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts,
			client.WithLogger(newLogger()),
			client.WithWebsocket(&client.WebsocketSpec{Protocols: protocols}),
		)

		p := pool.New()
		defer p.Close()
		engine := client.New(p, pool.NewResolver(), opts...)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		conn, err := engine.Connect(ctx, "GET", url).Await(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer conn.Dispose()

		if proto := conn.Subprotocol(); proto != "" {
			fmt.Printf("subprotocol: %s\n", proto)
		}

		frame := ws.NewTextFrame([]byte(message))
		frame = ws.MaskFrameInPlace(frame)
		if err := ws.WriteFrame(conn.Transport(), frame); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var reader io.Reader = conn.Transport()
		if br := conn.WebsocketReader(); br != nil {
			reader = br
		}
		echo, err := ws.ReadFrame(reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("received: %s\n", echo.Payload)

		closeFrame := ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		_ = ws.WriteFrame(conn.Transport(), closeFrame)
	},
}

func init() {
	wsServeCmd.Flags().StringArray("protocol", nil, "Acceptable subprotocols")
	wsConnectCmd.Flags().StringP("message", "m", "ping", "Message to send")
	wsConnectCmd.Flags().StringArray("protocol", nil, "Subprotocols to offer")
	wsConnectCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Connection timeout")
	wsCmd.AddCommand(wsServeCmd)
	wsCmd.AddCommand(wsConnectCmd)
}

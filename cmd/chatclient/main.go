// Command chatclient is a terminal client for the campus messaging server.
// It mints development tokens, listens for messages and sends them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/campus-messaging/client"
	"github.com/example/campus-messaging/config"
	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/modules/auth"
	"github.com/spf13/cobra"
)

// Flag variables.
var (
	serverURL, token          string
	constrained, pollingOnly  bool
	verbose                   bool
	secret, issuer, tokenUser string
	tokenTTL                  time.Duration
	sendTo, sendBody          string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "chatclient",
	Short:         "Terminal client for campus messaging.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mints an access token for a user with the server's shared secret.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser == "" {
			return fmt.Errorf("--user is required")
		}
		jwtManager := auth.NewJWTManager(config.AuthConfig{
			SecretKey:           secret,
			Issuer:              issuer,
			AccessTokenDuration: tokenTTL,
		})
		signed, err := jwtManager.GenerateAccessToken(tokenUser)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}
		fmt.Println(signed)
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Prints incoming messages until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := newChannel()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ch.OnIncoming(func(m message.Message) {
			fmt.Printf("[%s] %s -> %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderID, m.ReceiverID, m.Body)
		})
		ch.Start()
		defer ch.Stop()

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var last client.State
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				info := ch.Negotiator().ConnectionInfo()
				if info.State != last {
					fmt.Printf("-- %s (interval %s)\n", info.State, info.Interval)
					last = info.State
				}
			}
		}
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sends one message over HTTP.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendTo == "" || sendBody == "" {
			return fmt.Errorf("--to and --body are required")
		}
		ch, err := newChannel()
		if err != nil {
			return err
		}

		var confirmed *message.ConfirmedMessage
		ch.OnConfirmed(func(m message.ConfirmedMessage) { confirmed = &m })

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result := ch.Send(ctx, client.Outgoing{ReceiverID: sendTo, Body: sendBody})
		if result.Queued {
			// One more try before giving up; nothing keeps the queue alive
			// after exit.
			if err := ch.Drain(ctx); err != nil {
				return fmt.Errorf("message %s not delivered: %w", result.ClientID, err)
			}
		} else if !result.Success {
			return fmt.Errorf("message %s rejected: %w", result.ClientID, result.Err)
		}

		if confirmed != nil {
			fmt.Printf("sent %s (%s)\n", confirmed.Message.ID, confirmed.Message.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func newChannel() (*client.Channel, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	capability := client.Capability{}
	if constrained {
		capability.SaveData = true
	}
	return client.NewChannel(client.Config{
		ServerURL:   serverURL,
		Token:       token,
		Capability:  capability,
		PollingOnly: pollingOnly,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	})
}

// init is the initialization function for Cobra which defines flags.
func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("CHAT_SERVER", "http://localhost:3000"),
		"Base URL of the messaging server.")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("CHAT_TOKEN"),
		"Access token. Defaults to $CHAT_TOKEN.")
	rootCmd.PersistentFlags().BoolVar(&constrained, "constrained", false,
		"Behave like a data-saving device: slower polling and no socket.")
	rootCmd.PersistentFlags().BoolVar(&pollingOnly, "polling-only", false,
		"Never open a socket.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Log transport activity to stderr.")

	tokenCmd.Flags().StringVar(&secret, "secret", envOr("JWT_SECRET", "campus-dev-secret-change-in-production"),
		"Shared signing secret.")
	tokenCmd.Flags().StringVar(&issuer, "issuer", envOr("JWT_ISSUER", "campus-messaging"),
		"Token issuer.")
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "",
		"User id to mint the token for.")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour,
		"Token lifetime.")

	sendCmd.Flags().StringVar(&sendTo, "to", "", "Receiver user id.")
	sendCmd.Flags().StringVarP(&sendBody, "body", "b", "", "Message text.")

	rootCmd.AddCommand(tokenCmd, listenCmd, sendCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xgauravyaduvanshii/laptoprelay/laptop"
	"github.com/xgauravyaduvanshii/laptoprelay/proto"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	root := &cobra.Command{Use: "laptop", Short: "Expose a local service through a laptop relay"}
	root.AddCommand(registerCmd(), connectCmd(), showCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func profilePathOrDefault(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return laptop.DefaultProfilePath()
}

func registerCmd() *cobra.Command {
	var relayURL, registrationKey, name, tunnelID, target, profilePath string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a tunnel, or restore one, and save its credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := profilePathOrDefault(profilePath)
			if err != nil {
				return err
			}
			if registrationKey == "" {
				registrationKey = os.Getenv("LAPTOPRELAY_REGISTRATION_KEY")
			}
			if registrationKey == "" {
				return fmt.Errorf("missing registration key (--key or LAPTOPRELAY_REGISTRATION_KEY)")
			}

			if tunnelID == "" {
				// reuse the saved id so the public URL survives re-registration
				if existing, err := laptop.LoadProfile(path); err == nil && existing.RelayURL == relayURL {
					tunnelID = existing.Tunnel.TunnelID
				}
			}

			tc, err := laptop.Register(cmd.Context(), relayURL, registrationKey, name, tunnelID)
			if err != nil {
				return err
			}
			profile := &laptop.Profile{RelayURL: relayURL, Name: name, Target: target, Tunnel: *tc}
			if err := laptop.SaveProfile(path, profile); err != nil {
				return err
			}

			if tc.IsRestored {
				fmt.Println("Tunnel restored.")
			} else {
				fmt.Println("Tunnel created.")
			}
			fmt.Printf("Public URL:      %s\n", tc.PublicURL)
			fmt.Printf("Client auth key: %s\n", tc.APIKey)
			fmt.Printf("Profile saved:   %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "http://localhost:8080", "Relay base URL")
	cmd.Flags().StringVar(&registrationKey, "key", "", "Relay registration key")
	cmd.Flags().StringVar(&name, "name", "", "Display name for this laptop")
	cmd.Flags().StringVar(&tunnelID, "tunnel-id", "", "Restore this tunnel id instead of minting one")
	cmd.Flags().StringVar(&target, "target", "http://localhost:3000", "Local HTTP service to expose")
	cmd.Flags().StringVar(&profilePath, "profile", "", "Profile path (default ~/.config/laptoprelay/profile.yaml)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func connectCmd() *cobra.Command {
	var profilePath, target string
	var stdinEvents bool
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Hold the tunnel open and serve proxied requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := profilePathOrDefault(profilePath)
			if err != nil {
				return err
			}
			profile, err := laptop.LoadProfile(path)
			if err != nil {
				return fmt.Errorf("load profile (run register first): %w", err)
			}
			if target == "" {
				target = profile.Target
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := laptop.New(laptop.Config{
				WSURL:         profile.Tunnel.WSURL,
				Target:        target,
				MaxRetryCount: maxRetries,
			})
			if stdinEvents {
				go pumpEvents(ctx, client)
			}

			log.Info().Str("tunnel", profile.Tunnel.TunnelID).Str("target", target).Str("public", profile.Tunnel.PublicURL).Msg("starting tunnel")
			return client.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "", "Profile path (default ~/.config/laptoprelay/profile.yaml)")
	cmd.Flags().StringVar(&target, "target", "", "Local HTTP service, overrides the profile")
	cmd.Flags().BoolVar(&stdinEvents, "stdin-events", false, "Read session event frames as JSON lines from stdin")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Give up after this many consecutive failures (0 retries forever)")

	return cmd
}

// pumpEvents forwards JSON event frames from stdin, one per line.
func pumpEvents(ctx context.Context, client *laptop.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var frame proto.EventFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			log.Warn().Err(err).Msg("skipping malformed event line")
			continue
		}
		if err := client.Emit(frame); err != nil {
			log.Warn().Err(err).Str("session", frame.SessionID).Msg("event not delivered")
		}
	}
}

func showCmd() *cobra.Command {
	var profilePath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the saved tunnel profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := profilePathOrDefault(profilePath)
			if err != nil {
				return err
			}
			profile, err := laptop.LoadProfile(path)
			if err != nil {
				return err
			}
			fmt.Printf("Relay:           %s\n", profile.RelayURL)
			fmt.Printf("Tunnel id:       %s\n", profile.Tunnel.TunnelID)
			fmt.Printf("Public URL:      %s\n", profile.Tunnel.PublicURL)
			fmt.Printf("Client auth key: %s\n", profile.Tunnel.APIKey)
			fmt.Printf("Target:          %s\n", profile.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&profilePath, "profile", "", "Profile path (default ~/.config/laptoprelay/profile.yaml)")
	return cmd
}

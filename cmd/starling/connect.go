package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	starling "github.com/helios-starling/starling-go"
)

func init() {
	rootCmd.AddCommand(connectCmd)
}

var connectCmd = &cobra.Command{
	Use:   "connect <url>",
	Short: "Open an interactive Helios-Starling session",
	Long: "Connect to a Helios-Starling server and read commands from stdin:\n" +
		"  call <method> [json-payload]\n" +
		"  sub <topic-pattern>\n" +
		"  quit",
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func runConnect(cmd *cobra.Command, args []string) error {
	url := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	connectTimeout, err := parseDuration(cfg.Connection.ConnectTimeout, starling.DefaultConnectTimeout)
	if err != nil {
		return fmt.Errorf("invalid connection.connect_timeout: %w", err)
	}
	minDelay, err := parseDuration(cfg.Reconnect.MinDelay, 0)
	if err != nil {
		return fmt.Errorf("invalid reconnect.min_delay: %w", err)
	}
	maxDelay, err := parseDuration(cfg.Reconnect.MaxDelay, 0)
	if err != nil {
		return fmt.Errorf("invalid reconnect.max_delay: %w", err)
	}

	client := starling.New(url,
		starling.WithConnectTimeout(connectTimeout),
		starling.WithReconnection(starling.ReconnectionOptions{
			MinDelay:    minDelay,
			MaxDelay:    maxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		}),
	)

	client.Bus().On("starling:connected", func(event string, payload any) {
		log.Println("connected")
	})
	client.Bus().On("starling:disconnected", func(event string, payload any) {
		log.Printf("disconnected: %v", payload)
	})
	client.Bus().On("starling:reconnect:*", func(event string, payload any) {
		log.Printf("%s %v", event, payload)
	})
	client.OnNotification(func(n *starling.NotificationFrame) {
		log.Printf("notification topic=%q data=%s", n.Topic, string(n.Data))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer client.Disconnect("cli exit")

	return readCommands(ctx, client)
}

func readCommands(ctx context.Context, client *starling.Client) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := runCLICommand(client, line); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		}
	}
}

func runCLICommand(client *starling.Client, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "quit", "exit":
		os.Exit(0)
		return nil

	case "call":
		if len(fields) < 2 {
			return fmt.Errorf("usage: call <method> [json-payload]")
		}
		method := fields[1]
		payloadText := strings.TrimSpace(strings.TrimPrefix(line, "call "+method))
		var payload any
		if payloadText != "" {
			if err := json.Unmarshal([]byte(payloadText), &payload); err != nil {
				return fmt.Errorf("invalid JSON payload: %w", err)
			}
		}
		handle, err := client.Request(method, payload, starling.RequestOptions{})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), starling.DefaultRequestTimeout+5*time.Second)
		defer cancel()
		data, err := handle.Wait(ctx)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil

	case "sub":
		if len(fields) != 2 {
			return fmt.Errorf("usage: sub <topic-pattern>")
		}
		pattern := fields[1]
		client.Subscribe(pattern, func(ev starling.TopicEvent) {
			fmt.Printf("[%s] %s\n", ev.Topic, string(ev.Data))
		}, starling.SubscriptionOptions{})
		return nil

	case "sync":
		token, err := client.Sync(starling.RefreshOptions{})
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/vialytics/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func natsURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "nats-url",
		Usage:   "NATS server URL",
		EnvVars: []string{"VIALYTICS_NATS_URL", "NATS_URL"},
		Value:   "nats://localhost:4222",
	}
}

// tailCommand streams movement events, optionally filtered by jq predicates.
func tailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Stream token movement events",
		ArgsUsage: "[account]",
		Description: `Stream token movement events published to NATS JetStream.

Events are published to the subject: movements.{account}
Without an account, events for every indexed account are shown.

Each --must-jq expression is evaluated against the event JSON and must be
truthy for the event to be printed.

Example:
  vialytics nats tail DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --must-jq '.direction == "in"' --json`,
		Flags: []cli.Flag{
			natsURLFlag(),
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq expression that must be truthy (repeatable)",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "vialytics-cli",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("at most one account may be given")
			}

			filters, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			subject := natspkg.StreamSubjects
			if c.NArg() == 1 {
				subject = natspkg.SubjectPrefix + c.Args().Get(0)
			}

			return streamMovements(tailOptions{
				natsURL:      c.String("nats-url"),
				subject:      subject,
				durable:      c.Bool("durable"),
				consumerName: c.String("consumer-name"),
				jsonOutput:   c.Bool("json"),
				filters:      filters,
			})
		},
	}
}

type tailOptions struct {
	natsURL      string
	subject      string
	durable      bool
	consumerName string
	jsonOutput   bool
	filters      []*gojq.Code
}

// streamMovements connects to NATS and prints movement events until interrupted.
func streamMovements(opts tailOptions) error {
	nc, err := natspkg.Connect(opts.natsURL, "vialytics-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !opts.jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", opts.subject)
		fmt.Printf("   NATS: %s\n", opts.natsURL)
		if opts.durable {
			fmt.Printf("   Consumer: %s (durable)\n", opts.consumerName)
		}
		fmt.Printf("\nWaiting for movements... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: opts.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if opts.durable {
		consumerConfig.Durable = opts.consumerName
		consumerConfig.Name = opts.consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.MovementEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !opts.jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				_ = msg.Ack()
				continue
			}

			ok, err := matchesAll(opts.filters, msg.Data())
			if err != nil {
				fmt.Fprintf(os.Stderr, "jq filter error: %v\n", err)
			}
			if !ok {
				_ = msg.Ack()
				continue
			}

			count++
			if opts.jsonOutput {
				fmt.Println(string(msg.Data()))
			} else {
				printMovement(count, &event)
			}

			_ = msg.Ack()

		case <-sigChan:
			if !opts.jsonOutput {
				fmt.Printf("\n\n✅ Received %d movements\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

func printMovement(n int, event *natspkg.MovementEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Movement #%d\n", n)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Signature:    %s\n", event.Signature)
	fmt.Printf("Account:      %s\n", event.Account)
	fmt.Printf("Mint:         %s\n", event.Mint)
	fmt.Printf("Amount:       %s (%d raw, %s)\n", event.UIAmount, event.Amount, event.Direction)
	fmt.Printf("Slot:         %d\n", event.Slot)
	if event.Source != nil {
		fmt.Printf("Source:       %s\n", *event.Source)
	}
	if event.Destination != nil {
		fmt.Printf("Destination:  %s\n", *event.Destination)
	}
	if event.BlockTime != nil {
		fmt.Printf("Block Time:   %s\n", event.BlockTime.Format(time.RFC3339))
	}
	fmt.Printf("Published:    %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}

// compileFilters parses and compiles every jq expression up front.
func compileFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

// matchesAll reports whether every filter yields a truthy first result for
// the JSON document. A filter that errors counts as no match.
func matchesAll(codes []*gojq.Code, data []byte) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}

	for _, code := range codes {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			return false, err
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the MOVEMENTS JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage
- Stream configuration

Example:
  vialytics nats inspect-stream`,
		Flags: []cli.Flag{
			natsURLFlag(),
		},
		Action: func(c *cli.Context) error {
			nc, err := natspkg.Connect(c.String("nats-url"), "vialytics-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				data, _ := json.MarshalIndent(info, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Duplicates:   %s\n", info.Config.Duplicates)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			fmt.Printf("\n")
			return nil
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/cordum/jobgate/core/infra/bus"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultNatsURL = "nats://localhost:4222"

type eventSource interface {
	Subscribe(subject string, handler func(subject string, event *structpb.Struct)) (*nats.Subscription, error)
}

func newCmdEvents() *cobra.Command {
	var (
		natsURL string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "events [action]",
		Short: "Watch job lifecycle events published by the gateway",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := bus.SubjectPrefix + ">"
			if len(args) == 1 {
				subject = bus.Subject(args[0])
			}
			b, err := bus.NewNatsBus(natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return watchEvents(ctx, b, subject, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", envOr("NATS_URL", defaultNatsURL), "nats server url")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as json")
	return cmd
}

// watchEvents prints every event on subject until ctx is done. Handlers run on
// the bus goroutine; only this function writes to w.
func watchEvents(ctx context.Context, src eventSource, subject string, w io.Writer, asJSON bool) error {
	lines := make(chan string, 64)
	sub, err := src.Subscribe(subject, func(_ string, event *structpb.Struct) {
		line, err := formatEvent(event, asJSON)
		if err != nil {
			line = "undecodable event: " + err.Error()
		}
		select {
		case lines <- line:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
}

func formatEvent(event *structpb.Struct, asJSON bool) (string, error) {
	if asJSON {
		data, err := json.Marshal(event.AsMap())
		return string(data), err
	}
	field := func(name string) string {
		return event.GetFields()[name].GetStringValue()
	}
	return fmt.Sprintf("%s\t%s\t%s", field("timestamp"), field("action"), field("submission_id")), nil
}

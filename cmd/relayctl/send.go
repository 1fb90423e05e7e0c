package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-relay/broker"
	"github.com/glimte/mmate-relay/envelope"
)

func newSendCmd(flags *globalFlags) *cobra.Command {
	var (
		queue    string
		topic    string
		count    int
		delivery string
		metadata []string
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Publish a text message to a queue or topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			dest, err := destination(queue, topic, "")
			if err != nil {
				return err
			}

			var opts []envelope.Option
			for _, kv := range metadata {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("metadata %q is not key=value", kv)
				}
				opts = append(opts, envelope.WithMetadata(key, value))
			}

			fc, err := flags.failover()
			if err != nil {
				return err
			}
			defer fc.Close()

			producer, err := broker.NewProducer(fc, dest,
				broker.WithDelivery(broker.DeliveryMode(delivery)),
				broker.WithPerMessageProperties(true))
			if err != nil {
				return err
			}
			defer producer.Close()

			for i := 0; i < count; i++ {
				env := envelope.NewString(args[0], opts...)
				if err := producer.Send(ctx, env); err != nil {
					return fmt.Errorf("failed to send message %d: %w", i+1, err)
				}
				fmt.Printf("sent %s to %s\n", env.ID(), dest)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Target queue")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Target topic routing key")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of copies to send")
	cmd.Flags().StringVar(&delivery, "delivery", string(broker.Persistent), "Delivery mode (non-persistent, persistent, transacted)")
	cmd.Flags().StringArrayVarP(&metadata, "metadata", "m", nil, "Metadata key=value, repeatable")
	return cmd
}

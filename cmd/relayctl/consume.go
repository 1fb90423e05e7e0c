package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-relay/broker"
	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/translate"
)

func newConsumeCmd(flags *globalFlags) *cobra.Command {
	var (
		queue        string
		topic        string
		subscription string
		ack          string
		moveHeaders  bool
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Print messages from a queue or topic until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			dest, err := destination(queue, topic, subscription)
			if err != nil {
				return err
			}

			tr, err := translate.New(translate.Config{Kind: translate.KindAuto, MoveHeaders: moveHeaders})
			if err != nil {
				return err
			}

			fc, err := flags.failover()
			if err != nil {
				return err
			}
			defer fc.Close()

			consumer, err := broker.NewConsumer(fc, dest,
				broker.WithAckMode(broker.AckMode(ack)),
				broker.WithConsumerTranslator(tr))
			if err != nil {
				return err
			}

			return consumer.Run(ctx, func(_ context.Context, env *envelope.Envelope) error {
				fmt.Printf("--- %s\n", env.ID())
				env.Metadata().Each(func(key, value string) {
					fmt.Printf("  %s: %s\n", key, value)
				})
				fmt.Println(strings.TrimRight(env.StringPayload(), "\n"))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Source queue")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Source topic binding key")
	cmd.Flags().StringVarP(&subscription, "subscription", "s", "", "Durable subscription name for --topic")
	cmd.Flags().StringVar(&ack, "ack", string(broker.AckClient), "Acknowledge mode (auto, client, transacted)")
	cmd.Flags().BoolVar(&moveHeaders, "headers", true, "Print broker headers as metadata")
	return cmd
}

// lineqctl is a command-line client for a lineq broker: topic
// administration and ad-hoc produces for testing.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"lineq/pkg/producer"
)

var (
	brokerAddr string
	timeout    time.Duration
)

func newClient() (*producer.Producer, context.Context, context.CancelFunc, error) {
	p, err := producer.NewProducer(brokerAddr)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return p, ctx, cancel, nil
}

func main() {
	root := &cobra.Command{
		Use:           "lineqctl",
		Short:         "Client for a lineq broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&brokerAddr, "broker", "b", "127.0.0.1:7370", "broker address host:port")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "command timeout")

	var partitions int
	createCmd := &cobra.Command{
		Use:   "create-topic <topic>",
		Short: "Create a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ctx, cancel, err := newClient()
			if err != nil {
				return err
			}
			defer cancel()
			defer p.Close()
			if err := p.CreateTopic(ctx, args[0], partitions); err != nil {
				return err
			}
			fmt.Printf("created topic %s with %d partitions\n", args[0], partitions)
			return nil
		},
	}
	createCmd.Flags().IntVarP(&partitions, "partitions", "p", 1, "partition count")

	resizeCmd := &cobra.Command{
		Use:   "resize-partitions <topic> <newCount>",
		Short: "Grow a topic's partition count",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var newCount int
			if _, err := fmt.Sscanf(args[1], "%d", &newCount); err != nil {
				return fmt.Errorf("invalid partition count %q", args[1])
			}
			p, ctx, cancel, err := newClient()
			if err != nil {
				return err
			}
			defer cancel()
			defer p.Close()
			if err := p.ResizePartitions(ctx, args[0], newCount); err != nil {
				return err
			}
			fmt.Printf("resized topic %s to %d partitions\n", args[0], newCount)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list-topics",
		Short: "List all topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ctx, cancel, err := newClient()
			if err != nil {
				return err
			}
			defer cancel()
			defer p.Close()
			topics, err := p.ListTopics(ctx)
			if err != nil {
				return err
			}
			for _, t := range topics {
				created := time.UnixMilli(t.CreatedAt).Format(time.RFC3339)
				fmt.Printf("%s\tpartitions=%d\tcreatedBy=%s\tcreatedAt=%s\n", t.Name, t.Partitions, t.CreatedBy, created)
			}
			return nil
		},
	}

	var key string
	var partition int
	produceCmd := &cobra.Command{
		Use:   "produce <topic> <value>",
		Short: "Produce one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ctx, cancel, err := newClient()
			if err != nil {
				return err
			}
			defer cancel()
			defer p.Close()
			offset, err := p.ProduceTo(ctx, args[0], partition, key, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("produced to %s-%d at offset %d\n", args[0], partition, offset)
			return nil
		},
	}
	produceCmd.Flags().StringVarP(&key, "key", "k", "", "record key")
	produceCmd.Flags().IntVarP(&partition, "partition", "p", 0, "target partition")

	root.AddCommand(createCmd, resizeCmd, listCmd, produceCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

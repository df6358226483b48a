package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/edgeflare/stationstream/pkg/stream"
	"github.com/edgeflare/stationstream/pkg/stream/memlog"
	"github.com/spf13/cobra"
)

var topicsTimeout time.Duration

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Create the processor's topics if missing and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), topicsTimeout)
		defer cancel()

		broker, err := openBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer broker.Close()

		pcfg, err := cfg.Processor()
		if err != nil {
			return err
		}
		if _, ok := broker.(*memlog.Broker); ok {
			pcfg.CreateInputTopic = true
		}
		registry := stream.NewTopicRegistry(broker, logger)
		proc, err := stream.NewProcessor(pcfg, broker, registry, logger)
		if err != nil {
			return err
		}
		if err := proc.Provision(ctx); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOPIC\tPARTITIONS")
		for _, name := range registry.Topics() {
			n, err := registry.Partitions(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\n", name, n)
		}
		return w.Flush()
	},
}

func init() {
	topicsCmd.Flags().DurationVar(&topicsTimeout, "timeout", 2*time.Minute, "Time allowed for connecting and provisioning")
}

package stream

import (
	"fmt"
	"github.com/ValentinKolb/dStream/cmd/util"
	"github.com/ValentinKolb/dStream/stream/client"
	"github.com/ValentinKolb/dStream/stream/connection"
	"github.com/spf13/cobra"
	"os"
	"sort"
	"strconv"
	"sync/atomic"
)

var (
	createCmd = &cobra.Command{
		Use:   "create [stream] [key=value]...",
		Short: "Creates a stream",
		Long:  "Creates a stream. Optional arguments are passed to the broker, e.g. max-length-bytes=1000000 or max-age=24h.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := util.ParseArguments(args[1:])
			if err != nil {
				return err
			}
			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			if err := streamClient.CreateStream(ctx, args[0], arguments); err != nil {
				return err
			}
			fmt.Println("created successfully")
			return nil
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [stream]",
		Short: "Deletes a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			if err := streamClient.DeleteStream(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("deleted successfully")
			return nil
		},
	}
	metadataCmd = &cobra.Command{
		Use:   "metadata [stream]...",
		Short: "Prints leader and replicas of streams",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			streams, err := streamClient.QueryMetadata(ctx, args...)
			if err != nil {
				return err
			}
			for _, s := range streams {
				if s.Leader == nil {
					fmt.Printf("%s: unavailable (code %#04x)\n", s.Stream, s.Code)
					continue
				}
				fmt.Printf("%s: leader %s:%d", s.Stream, s.Leader.Host, s.Leader.Port)
				for _, replica := range s.Replicas {
					fmt.Printf(", replica %s:%d", replica.Host, replica.Port)
				}
				fmt.Println()
			}
			return nil
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats [stream]",
		Short: "Prints the statistics of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			stats, err := streamClient.StreamStats(ctx, args[0])
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(stats))
			for key := range stats {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Printf("%-30s%d\n", key, stats[key])
			}
			return nil
		},
	}
	offsetCmd = &cobra.Command{
		Use:   "offset [stream] [reference]",
		Short: "Prints the offset stored for a consumer reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			offset, err := streamClient.QueryOffset(ctx, args[1], args[0])
			if err != nil {
				return err
			}
			fmt.Println(offset)
			return nil
		},
	}
	sequenceCmd = &cobra.Command{
		Use:   "sequence [stream] [reference]",
		Short: "Prints the last publishing id of a publisher reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			sequence, err := streamClient.QueryPublisherSequence(ctx, args[1], args[0])
			if err != nil {
				return err
			}
			fmt.Println(sequence)
			return nil
		},
	}
	publishCmd = &cobra.Command{
		Use:   "publish [stream] [message]...",
		Short: "Publishes messages and waits for their confirmation",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runPublish,
	}
	consumeCmd = &cobra.Command{
		Use:   "consume [stream]",
		Short: "Prints the messages of a stream until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runConsume,
	}
	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Prints the client metrics in the Prometheus text format",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("# connected to %s (management %s)\n", streamClient.ConnectionInfo().Host, streamClient.ManagementVersion())
			connection.WriteMetrics(os.Stdout)
		},
	}
)

func init() {
	key := "ref"
	publishCmd.Flags().String(key, "", util.WrapString("Publisher reference for deduplication"))
	key = "filter-value"
	publishCmd.Flags().String(key, "", util.WrapString("Filter value attached to every message"))

	key = "ref"
	consumeCmd.Flags().String(key, "", util.WrapString("Consumer reference, offsets are stored under it"))
	key = "offset"
	consumeCmd.Flags().String(key, "next", util.WrapString("Where to start (first, last, next, an offset, an RFC3339 timestamp or a duration like 10m)"))
	key = "single-active"
	consumeCmd.Flags().Bool(key, false, util.WrapString("Join a single active consumer group (requires --ref)"))
	key = "filter"
	consumeCmd.Flags().StringSlice(key, nil, util.WrapString("Only deliver chunks with these filter values"))
	key = "match-unfiltered"
	consumeCmd.Flags().Bool(key, false, util.WrapString("Also deliver messages without filter value"))
	key = "store-every"
	consumeCmd.Flags().Int(key, 0, util.WrapString("Store the offset every n messages (0 = never, requires --ref)"))
}

func runPublish(cmd *cobra.Command, args []string) error {
	ref, _ := cmd.Flags().GetString("ref")
	filterValue, _ := cmd.Flags().GetString("filter-value")

	p, err := streamClient.DeclarePublisher(cmd.Context(), client.PublisherConfig{Stream: args[0], PublisherRef: ref})
	if err != nil {
		return err
	}

	messages := make([]client.Message, 0, len(args)-1)
	for _, body := range args[1:] {
		messages = append(messages, client.Message{Body: []byte(body), FilterValue: filterValue})
	}
	if err := p.Send(cmd.Context(), messages...); err != nil {
		return err
	}

	failed := 0
	for range messages {
		select {
		case confirmation := <-p.Confirms():
			if confirmation.Confirmed {
				fmt.Printf("confirmed %d\n", confirmation.PublishingID)
			} else {
				failed++
				fmt.Printf("failed %d (code %#04x)\n", confirmation.PublishingID, confirmation.Code)
			}
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d messages were not confirmed", failed, len(messages))
	}
	return nil
}

func runConsume(cmd *cobra.Command, args []string) error {
	ref, _ := cmd.Flags().GetString("ref")
	offsetFlag, _ := cmd.Flags().GetString("offset")
	singleActive, _ := cmd.Flags().GetBool("single-active")
	filterValues, _ := cmd.Flags().GetStringSlice("filter")
	matchUnfiltered, _ := cmd.Flags().GetBool("match-unfiltered")
	storeEvery, _ := cmd.Flags().GetInt("store-every")

	offset, err := util.ParseOffset(offsetFlag)
	if err != nil {
		return err
	}
	if storeEvery > 0 && ref == "" {
		return fmt.Errorf("--store-every requires --ref")
	}

	config := client.ConsumerConfig{
		Stream:       args[0],
		ConsumerRef:  ref,
		Offset:       offset,
		SingleActive: singleActive,
		ConnectionClosed: func(reason error) {
			fmt.Fprintf(os.Stderr, "consumer closed: %v\n", reason)
		},
	}
	if len(filterValues) > 0 {
		config.Filter = &client.ConsumerFilter{Values: filterValues, MatchUnfiltered: matchUnfiltered}
	}

	var consumed atomic.Int64
	consumer, err := streamClient.DeclareConsumer(cmd.Context(), config, func(c *client.Consumer, d *client.Delivery) {
		fmt.Printf("%s\t%s\t%s\n", strconv.FormatUint(d.Offset, 10), d.ChunkTimestamp.Format("2006-01-02T15:04:05.000"), d.Message.Body)
		if n := consumed.Add(1); storeEvery > 0 && n%int64(storeEvery) == 0 {
			if err := c.StoreOffset(cmd.Context(), d.Offset); err != nil {
				fmt.Fprintf(os.Stderr, "store offset %d: %v\n", d.Offset, err)
			}
		}
	})
	if err != nil {
		return err
	}

	<-cmd.Context().Done()
	fmt.Fprintf(os.Stderr, "consumed %d messages, last offset %d\n", consumed.Load(), consumer.LastConsumedOffset())
	return nil
}

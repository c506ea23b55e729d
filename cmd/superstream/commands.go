package superstream

import (
	"fmt"
	"github.com/ValentinKolb/dStream/cmd/util"
	"github.com/ValentinKolb/dStream/stream/client"
	"github.com/spf13/cobra"
	"os"
	"strings"
)

// routingKeyProperty is the application property carrying the routing key
const routingKeyProperty = "routing-key"

var (
	createCmd = &cobra.Command{
		Use:   "create [super-stream] [key=value]...",
		Short: "Creates a super stream and its partitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := util.ParseArguments(args[1:])
			if err != nil {
				return err
			}
			partitions, _ := cmd.Flags().GetInt("partitions")
			bindingKeys, _ := cmd.Flags().GetStringSlice("binding-keys")

			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			err = streamClient.CreateSuperStream(ctx, args[0], client.SuperStreamOptions{
				Partitions:  partitions,
				BindingKeys: bindingKeys,
				Arguments:   arguments,
			})
			if err != nil {
				return err
			}
			fmt.Println("created successfully")
			return nil
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [super-stream]",
		Short: "Deletes a super stream and its partitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			if err := streamClient.DeleteSuperStream(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("deleted successfully")
			return nil
		},
	}
	partitionsCmd = &cobra.Command{
		Use:   "partitions [super-stream]",
		Short: "Prints the partitions of a super stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			partitions, err := streamClient.QueryPartitions(ctx, args[0])
			if err != nil {
				return err
			}
			for _, partition := range partitions {
				fmt.Println(partition)
			}
			return nil
		},
	}
	routeCmd = &cobra.Command{
		Use:   "route [super-stream] [routing-key]",
		Short: "Prints the partitions bound to a routing key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.RequestContext(cmd.Context(), clientConf)
			defer cancel()
			streams, err := streamClient.RouteQuery(ctx, args[1], args[0])
			if err != nil {
				return err
			}
			for _, s := range streams {
				fmt.Println(s)
			}
			return nil
		},
	}
	publishCmd = &cobra.Command{
		Use:   "publish [super-stream] [routing-key=message]...",
		Short: "Routes messages to the partitions and waits for their confirmation",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runPublish,
	}
	consumeCmd = &cobra.Command{
		Use:   "consume [super-stream]",
		Short: "Consumes every partition of a super stream until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runConsume,
	}
)

func init() {
	key := "partitions"
	createCmd.Flags().Int(key, 3, util.WrapString("Number of partitions (ignored with --binding-keys)"))
	key = "binding-keys"
	createCmd.Flags().StringSlice(key, nil, util.WrapString("One partition is created per binding key"))

	key = "routing"
	publishCmd.Flags().String(key, "hash", util.WrapString("Routing strategy (hash, key)"))
	key = "ref"
	publishCmd.Flags().String(key, "", util.WrapString("Publisher reference for deduplication"))

	key = "ref"
	consumeCmd.Flags().String(key, "", util.WrapString("Consumer reference shared by the partition consumers (random when empty)"))
	key = "offset"
	consumeCmd.Flags().String(key, "next", util.WrapString("Where to start when no offset is stored (first, last, next, an offset, an RFC3339 timestamp or a duration like 10m)"))
}

func routingKey(msg client.Message) string {
	key, _ := msg.ApplicationProperties[routingKeyProperty].(string)
	return key
}

func runPublish(cmd *cobra.Command, args []string) error {
	routing, _ := cmd.Flags().GetString("routing")
	ref, _ := cmd.Flags().GetString("ref")

	config := client.SuperStreamPublisherConfig{
		SuperStream:  args[0],
		PublisherRef: ref,
		KeyExtractor: routingKey,
	}
	switch routing {
	case "hash":
		config.Routing = client.RoutingHash
	case "key":
		config.Routing = client.RoutingKey
	default:
		return fmt.Errorf("unknown routing strategy %q (hash, key)", routing)
	}

	messages := make([]client.Message, 0, len(args)-1)
	for _, arg := range args[1:] {
		key, body, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("invalid message %q (expected routing-key=message)", arg)
		}
		messages = append(messages, client.Message{
			Body:                  []byte(body),
			ApplicationProperties: map[string]any{routingKeyProperty: key},
		})
	}

	p, err := streamClient.DeclareSuperStreamPublisher(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer p.Close(cmd.Context())

	if err := p.Send(cmd.Context(), messages...); err != nil {
		return err
	}

	// hash routing picks one partition per message, key routing may pick more
	expected := len(messages)

	failed := 0
	for i := 0; i < expected; i++ {
		select {
		case confirmation := <-p.Confirms():
			if confirmation.Confirmed {
				fmt.Printf("confirmed %s/%d\n", confirmation.Partition, confirmation.PublishingID)
			} else {
				failed++
				fmt.Printf("failed %s/%d (code %#04x)\n", confirmation.Partition, confirmation.PublishingID, confirmation.Code)
			}
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d messages were not confirmed", failed)
	}
	return nil
}

func runConsume(cmd *cobra.Command, args []string) error {
	ref, _ := cmd.Flags().GetString("ref")
	offsetFlag, _ := cmd.Flags().GetString("offset")

	offset, err := util.ParseOffset(offsetFlag)
	if err != nil {
		return err
	}

	s, err := streamClient.DeclareSuperStreamConsumer(cmd.Context(), client.SuperStreamConsumerConfig{
		SuperStream: args[0],
		ConsumerRef: ref,
		Offset:      offset,
	}, func(c *client.Consumer, d *client.Delivery) {
		fmt.Printf("%s\t%d\t%s\n", d.Stream, d.Offset, d.Message.Body)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "consuming %s as %s\n", strings.Join(s.Partitions(), ", "), s.ConsumerRef())

	<-cmd.Context().Done()
	return nil
}

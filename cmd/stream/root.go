package stream

import (
	"github.com/ValentinKolb/dStream/cmd/util"
	"github.com/ValentinKolb/dStream/stream/client"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/spf13/cobra"
)

var (
	streamClient *client.Client
	clientConf   *common.ClientConfig

	// StreamCommands represents the stream command group
	StreamCommands = &cobra.Command{
		Use:                "stream",
		Short:              "Manage streams, publish and consume messages",
		PersistentPreRunE:  setupStreamClient,
		PersistentPostRunE: closeStreamClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common broker flags to the stream command
	util.SetupClientFlags(StreamCommands)

	// Add subcommands
	StreamCommands.AddCommand(createCmd)
	StreamCommands.AddCommand(deleteCmd)
	StreamCommands.AddCommand(metadataCmd)
	StreamCommands.AddCommand(statsCmd)
	StreamCommands.AddCommand(offsetCmd)
	StreamCommands.AddCommand(sequenceCmd)
	StreamCommands.AddCommand(publishCmd)
	StreamCommands.AddCommand(consumeCmd)
	StreamCommands.AddCommand(metricsCmd)
	StreamCommands.AddCommand(perfTestCmd)
}

// setupStreamClient connects the client used by the subcommands
func setupStreamClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	streamClient, clientConf, err = util.NewClient(cmd.Context())
	return err
}

func closeStreamClient(cmd *cobra.Command, _ []string) error {
	if streamClient == nil {
		return nil
	}
	return util.CloseClient(cmd.Context(), streamClient, clientConf)
}

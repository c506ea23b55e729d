package superstream

import (
	"github.com/ValentinKolb/dStream/cmd/util"
	"github.com/ValentinKolb/dStream/stream/client"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/spf13/cobra"
)

var (
	streamClient *client.Client
	clientConf   *common.ClientConfig

	// SuperStreamCommands represents the super stream command group
	SuperStreamCommands = &cobra.Command{
		Use:                "super",
		Short:              "Manage, publish to and consume from partitioned super streams",
		PersistentPreRunE:  setupSuperStreamClient,
		PersistentPostRunE: closeSuperStreamClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common broker flags to the super stream command
	util.SetupClientFlags(SuperStreamCommands)

	// Add subcommands
	SuperStreamCommands.AddCommand(createCmd)
	SuperStreamCommands.AddCommand(deleteCmd)
	SuperStreamCommands.AddCommand(partitionsCmd)
	SuperStreamCommands.AddCommand(routeCmd)
	SuperStreamCommands.AddCommand(publishCmd)
	SuperStreamCommands.AddCommand(consumeCmd)
}

func setupSuperStreamClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	streamClient, clientConf, err = util.NewClient(cmd.Context())
	return err
}

func closeSuperStreamClient(cmd *cobra.Command, _ []string) error {
	if streamClient == nil {
		return nil
	}
	return util.CloseClient(cmd.Context(), streamClient, clientConf)
}

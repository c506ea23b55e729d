package cmd

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dStream/cmd/stream"
	"github.com/ValentinKolb/dStream/cmd/superstream"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dstream",
		Short: "stream protocol client",
		Long: fmt.Sprintf(`dStream (v%s)

A client for the RabbitMQ stream protocol written in Go. It manages streams
and super streams, publishes with confirmations and consumes with flow
control over pooled broker connections.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dStream",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dStream v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(stream.StreamCommands)
	RootCmd.AddCommand(superstream.SuperStreamCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute(ctx context.Context) {
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// configError marks failures caused by bad configuration.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mapsync",
		Short: "Keep a rendered map in sync with declared markers",
		Long: `mapsync hosts a map surface, waits for initialisation to finish,
loads the map through a rendering relay and mirrors the declared marker set
onto it.`,
		SilenceUsage: true,
		Version:      Version,
	}
	root.SetVersionTemplate(`{{printf "mapsync version %s\n" .Version}}`)

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mapsync",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mapsync version %s\n", Version)
		},
	}
}

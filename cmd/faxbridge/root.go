package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "faxbridge",
	Short: "faxbridge moves fax jobs between the job queue and the dialer spool.",
	Long: `faxbridge claims queued outgoing faxes, converts them to TIFF and hands call
files to the dialer; it also ingests received faxes from the inbound spool
into the job queue. Configuration comes from the environment (and an optional
.env file).`,
	SilenceUsage: true,
}

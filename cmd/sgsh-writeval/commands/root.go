package commands

import (
	"github.com/dspinellis/sgsh/src/config"
	"github.com/dspinellis/sgsh/src/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	_config = config.NewDefaultConfig()
	logger  *logrus.Entry
)

func init() {
	RootCmd.Flags().IntP("length", "l", _config.RecordLength, "Fixed record length; 0 uses a record separator")
	RootCmd.Flags().StringP("separator", "t", _config.Separator, `Record separator character (\0 for NUL)`)
	RootCmd.Flags().IntP("rbegin", "b", _config.RBegin, "Response window begin, in records back from the newest (inclusive)")
	RootCmd.Flags().IntP("rend", "e", _config.REnd, "Response window end, in records back from the newest (exclusive)")
	RootCmd.Flags().Bool("time-window", _config.TimeWindow, "Interpret the window as a time range (not implemented)")
	RootCmd.Flags().Int("buffer-size", _config.BufferSize, "Input buffer capacity in bytes")
	RootCmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	RootCmd.Flags().String("log-file", _config.LogFile, "Also write log output to this file")

	RootCmd.AddCommand(NewVersionCmd())
}

// RootCmd is the root command for sgsh-writeval
var RootCmd = &cobra.Command{
	Use:   "sgsh-writeval [flags] socket_path",
	Short: "Data store serving the most recent record read from standard input",
	Long: `sgsh-writeval continuously reads records from its standard input,
retains the most recent record (or a window of records), and serves it on
demand to any number of concurrent clients over a local stream socket.

A client connects and sends a single command byte: C to read the current
value, L to read the last value (served once standard input reaches EOF), or
Q to terminate the store. Responses carry a 10-digit decimal content length
followed by the payload.`,
	Args:          cobra.ExactArgs(1),
	PreRunE:       loadConfig,
	RunE:          runStore,
	SilenceUsage:  true,
	SilenceErrors: true,
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runStore(cmd *cobra.Command, args []string) error {
	separator, err := _config.SeparatorByte()
	if err != nil {
		return store.NewExitError(store.CodeUsage, "parsing record separator", err)
	}
	if cmd.Flags().Changed("length") && cmd.Flags().Changed("separator") {
		return store.NewExitError(store.CodeUsage,
			"the length and separator options are mutually exclusive", nil)
	}

	srv, err := store.NewServer(store.Config{
		SocketPath:   args[0],
		RecordLength: _config.RecordLength,
		Separator:    separator,
		RBegin:       _config.RBegin,
		REnd:         _config.REnd,
		TimeWindow:   _config.TimeWindow,
		BufferSize:   _config.BufferSize,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	return srv.Run()
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	logger = _config.Logger()

	logger.WithFields(logrus.Fields{
		"length":      _config.RecordLength,
		"separator":   _config.Separator,
		"rbegin":      _config.RBegin,
		"rend":        _config.REnd,
		"buffer-size": _config.BufferSize,
		"log":         _config.LogLevel,
	}).Debug("RUN")

	return nil
}

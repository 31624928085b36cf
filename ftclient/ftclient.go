// ftclient.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bergsm/fileTransfer/client"
	"github.com/bergsm/fileTransfer/config"
	"github.com/bergsm/fileTransfer/protocol"
	"github.com/bergsm/fileTransfer/transport"
)

var (
	list       bool
	getFile    string
	clientHost string
	saveDir    string
	framing    string
	timeout    time.Duration
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ftclient <serverHost> <serverPort> <dataPort> (-l | -g <filename>)",
	Short: "Request a directory listing or a file from ftserver",
	Example: `  ftclient flip1 30021 30020 -l
  ftclient flip1 30021 30020 -g notes.txt`,
	Args: cobra.ExactArgs(3),
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVarP(&list, "list", "l", false, "list the server's directory")
	flags.StringVarP(&getFile, "get", "g", "", "file to download")
	flags.StringVar(&clientHost, "client-host", "", "host the server connects back to, default is the local address of the control connection")
	flags.StringVar(&saveDir, "save-dir", ".", "directory downloaded files are written to")
	flags.StringVar(&framing, "framing", "raw", "message framing: raw or length")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "timeout for the whole request")
	flags.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.MarkFlagsMutuallyExclusive("list", "get")
	rootCmd.MarkFlagsOneRequired("list", "get")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	serverHost, serverPort, dataPort := args[0], args[1], args[2]
	for _, port := range []string{serverPort, dataPort} {
		if err := transport.ValidatePort(port); err != nil {
			return err
		}
	}
	fr, err := protocol.ParseFraming(framing)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	log, err := config.NewLogger(logLevel, "text", os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		ServerHost: serverHost,
		ServerPort: serverPort,
		DataPort:   dataPort,
		ClientHost: clientHost,
		Framing:    fr,
		Timeout:    timeout,
	}, log)

	if list {
		listing, err := c.List(ctx)
		if err != nil {
			return report(cmd, serverHost, serverPort, err)
		}
		fmt.Printf("Receiving directory structure from %s:%s\n", serverHost, dataPort)
		fmt.Print(listing)
		return nil
	}

	data, err := c.Get(ctx, getFile)
	if err != nil {
		return report(cmd, serverHost, serverPort, err)
	}
	fmt.Printf("Receiving \"%s\" from %s:%s\n", getFile, serverHost, dataPort)
	path, err := client.UniqueFilePath(saveDir, filepath.Base(getFile))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	fmt.Printf("File transfer complete. Saved to %s\n", path)
	return nil
}

// report prints the server's own error text the way the server phrased it.
func report(cmd *cobra.Command, host, port string, err error) error {
	var serverErr *client.ServerError
	if errors.As(err, &serverErr) {
		fmt.Fprintf(os.Stderr, "%s:%s says %s\n", host, port, serverErr)
		cmd.SilenceErrors = true
	}
	return err
}

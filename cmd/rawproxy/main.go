// Command rawproxy is the intercepting HTTP/1.x forward proxy's entrypoint:
// a cobra CLI parsing <port> <image-flag> <attack-flag>, wiring the
// requested transformers, and running the supervisor until interrupted.
//
// Grounded on original_source/proxy.py's main() (usage text, extension
// installation, exit codes) and packetd/cmd's cobra-plus-signal-channel
// shutdown shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brindlebox/rawproxy/pkg/logger"
	"github.com/brindlebox/rawproxy/pkg/supervisor"
	"github.com/brindlebox/rawproxy/pkg/transform"
)

const (
	imageChangeHost = "ocna0.d2.comp.nus.edu.sg:50000"
	imageChangeURL  = "http://ocna0.d2.comp.nus.edu.sg:50000/change.jpg"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "rawproxy <port> <image-flag> <attack-flag>",
	Short:         "An intercepting HTTP/1.x forward proxy",
	Args:          cobra.ExactArgs(3),
	RunE:          run,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log request/response lines to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
}

func run(cmd *cobra.Command, args []string) error {
	port, imageFlag, attackFlag, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: rawproxy <port> <image-flag> <attack-flag>")
		fmt.Fprintln(os.Stderr, "<port> <image-flag> <attack-flag> must be valid integers")
		return err
	}

	logger.SetVerbose(verbose)

	var transformers []transform.Transformer
	if imageFlag {
		transformers = append(transformers, transform.NewImageSubstitution(imageChangeHost, imageChangeURL))
	}
	if attackFlag {
		transformers = append(transformers, &transform.BlockAndServe{})
	}

	sup := supervisor.New(transform.NewPipeline(transformers...))
	if err := sup.Listen(port); err != nil {
		fmt.Fprintln(os.Stderr, "[*] Error: Failed to initialise socket")
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		logger.ErrorTrace("shutdown", err)
	}
	os.Exit(1)
	return nil
}

func parseArgs(args []string) (port int, imageFlag, attackFlag bool, err error) {
	port, err = strconv.Atoi(args[0])
	if err != nil {
		return 0, false, false, err
	}
	if port < 1 || port > 65535 {
		return 0, false, false, fmt.Errorf("port %d out of range", port)
	}

	image, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, false, false, err
	}
	attack, err := strconv.Atoi(args[2])
	if err != nil {
		return 0, false, false, err
	}

	return port, image != 0, attack != 0, nil
}

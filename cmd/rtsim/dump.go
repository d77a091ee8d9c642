package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/tinygo-org/rtkernel/diagnostics"
	"github.com/tinygo-org/rtkernel/kernel"
	"github.com/tinygo-org/rtkernel/tracedump"
)

var (
	dumpFormat string
	dumpOutput string
)

var dumpCmd = &cobra.Command{
	Use:   "dump <trace.bin|trace.hex>",
	Short: "Convert a trace image",
	Long: `Read a trace image written by run --trace or by the shell dump command,
check its checksum and write it out again, by default as text.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dumpTrace(args[0])
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the serial ports the shell can be served on",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serial.GetPortsList()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(stdout, "no serial ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Fprintln(stdout, p)
		}
		return nil
	},
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpFormat, "format", "f", "text", "output format: text, bin or hex")
	dumpCmd.Flags().StringVarP(&dumpOutput, "output", "o", "", "output file, by default standard output")
}

func readTrace(path string) ([]kernel.TraceEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []kernel.TraceEvent
	if strings.HasSuffix(path, ".hex") {
		events, err = tracedump.ReadHex(bytes.NewReader(data))
	} else {
		events, err = tracedump.DecodeBinary(data)
	}
	if err != nil {
		return nil, &diagnostics.Error{Pos: diagnostics.Position{Filename: path}, Err: err}
	}
	return events, nil
}

func dumpTrace(path string) error {
	format, err := tracedump.ParseFormat(dumpFormat)
	if err != nil {
		return err
	}
	events, err := readTrace(path)
	if err != nil {
		return err
	}
	if dumpOutput != "" {
		return tracedump.WriteFile(dumpOutput, format, events)
	}
	return tracedump.Write(stdout, format, events)
}

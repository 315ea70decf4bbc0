package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"canmon/decode"
	"canmon/serialize"
	"canmon/tp"
)

var decodeLogFormat string

func init() {
	decodeLogCmd.Flags().StringVar(&decodeLogFormat, "format", "csv", "output format (json, csv, cbor)")
}

var decodeLogCmd = &cobra.Command{
	Use:   "decode-log [file]",
	Short: "Decode a candump-style capture with the configured signals.",
	Long: `Decode a candump-style capture with the configured signals.

Each input line is either "ID#HEXDATA" or the candump log form
"(timestamp) iface ID#HEXDATA". Reads standard input when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		decoder, err := cfg.decoder()
		if err != nil {
			return err
		}
		marshaler, err := serialize.New(decodeLogFormat)
		if err != nil {
			return err
		}

		in := os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open capture")
			}
			defer f.Close()
			in = f
		}
		return decodeCapture(in, os.Stdout, decoder, marshaler)
	},
}

func decodeCapture(in io.Reader, out io.Writer, decoder *decode.SignalDecoder, marshaler serialize.Marshaler) error {
	scanner := bufio.NewScanner(in)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		msg, err := parseCaptureLine(line)
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNo)
		}

		signals, err := decoder.Decode(msg)
		if err != nil && !errors.Is(err, decode.ErrNoDefinition) {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, err)
			signals = nil
		}
		rendered, err := marshaler.Marshal(serialize.NewRecord(msg, signals))
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNo)
		}
		if _, err := out.Write(rendered); err != nil {
			return err
		}
		if len(rendered) == 0 || rendered[len(rendered)-1] != '\n' {
			fmt.Fprintln(out)
		}
	}
	return errors.Wrap(scanner.Err(), "read capture")
}

// parseCaptureLine parses "ID#HEXDATA", optionally preceded by a candump
// "(seconds.micros) iface" prefix.
func parseCaptureLine(line string) (tp.CanMessage, error) {
	var msg tp.CanMessage
	msg.Timestamp = time.Now()

	if strings.HasPrefix(line, "(") {
		end := strings.IndexByte(line, ')')
		if end < 0 {
			return msg, errors.New("unterminated timestamp")
		}
		if ts, err := strconv.ParseFloat(line[1:end], 64); err == nil {
			sec := int64(ts)
			msg.Timestamp = time.Unix(sec, int64((ts-float64(sec))*1e9))
		}
		rest := strings.Fields(line[end+1:])
		if len(rest) != 2 {
			return msg, errors.New("malformed capture line")
		}
		line = rest[1]
	}

	id, data, ok := strings.Cut(line, "#")
	if !ok {
		return msg, errors.Errorf("missing '#' separator in %q", line)
	}
	parsed, err := strconv.ParseUint(id, 16, 32)
	if err != nil {
		return msg, errors.Wrapf(err, "frame ID %q", id)
	}
	msg.ArbitrationID = uint32(parsed)
	msg.IsExtendedID = len(id) > 3
	msg.Direction = tp.DirectionRx

	payload, err := hex.DecodeString(data)
	if err != nil {
		return msg, errors.Wrapf(err, "payload %q", data)
	}
	if len(payload) > 8 {
		return msg, errors.Errorf("payload is %d bytes, classic CAN allows 8", len(payload))
	}
	msg.Data = payload
	return msg, nil
}

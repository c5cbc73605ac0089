// Package main runs a simulated APsystems ECU for local testing of go-apsecu.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/resident-x/go-apsecu/internal/ecusim"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr       = flag.String("addr", ":8899", "Listen address")
		ecuID      = flag.String("ecu-id", "", "ECU id reported by system info (default 216000123412)")
		terminator = flag.String("terminator", "lf", "Response terminator: lf, crlf or cr")
		silent     = flag.String("silent", "", "Comma separated commands left unanswered, e.g. 0002,0030")
		corrupt    = flag.String("corrupt", "", "Comma separated commands answered with a broken frame")
		status     = flag.String("status", "", "Comma separated command=status overrides, e.g. 0003=01")
		verbose    = flag.Bool("verbose", false, "Log every request")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	sim := ecusim.New(logger)
	if *ecuID != "" {
		sim.ECU.ID = *ecuID
	}
	term, err := config.ParseTerminator(*terminator)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	sim.Terminator = term

	for _, command := range splitList(*silent) {
		sim.SetSilent(command, true)
	}
	for _, command := range splitList(*corrupt) {
		sim.SetCorrupt(command, true)
	}
	for _, override := range splitList(*status) {
		command, code, ok := strings.Cut(override, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "status override %q must be command=status\n", override)
			return 2
		}
		sim.SetStatus(command, code)
	}

	if err := sim.Listen(*addr); err != nil {
		logger.Error().Err(err).Str("addr", *addr).Msg("Failed to listen")
		return 1
	}
	host, port := sim.HostPort()
	logger.Info().
		Str("host", host).
		Int("port", port).
		Str("ecu_id", sim.ECU.ID).
		Int("inverters", len(sim.Inverters)).
		Msg("ECU simulator listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Int("requests", len(sim.Requests())).Msg("Shutting down")

	if err := sim.Close(); err != nil {
		logger.Error().Err(err).Msg("Close failed")
		return 1
	}
	return 0
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// config.go implements the 'tsctl config' command.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kolkov/kernsync/internal/kernsync/bootargs"
	"github.com/kolkov/kernsync/turnstile"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("tsctl "+name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// loadConfig parses args, falling back to KERNSYNC_BOOTARGS when args is
// empty.
func loadConfig(args string) (turnstile.Config, error) {
	if args == "" {
		args = os.Getenv(bootargs.EnvVar)
	}
	return turnstile.ParseConfig(args)
}

// configCommand implements 'tsctl config'.
//
// It prints the configuration a runtime would be built with, one warning
// per clamped value.
//
// Example:
//
//	tsctl config -bootargs "ts_compact_ids=100"
func configCommand(args []string, w io.Writer) error {
	fs := newFlagSet("config")
	raw := fs.String("bootargs", "", "boot `arguments` (default $"+bootargs.EnvVar+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*raw)
	if err != nil {
		return err
	}
	rt, err := turnstile.New(turnstile.Options{Config: cfg})
	if err != nil {
		return err
	}

	cfg = rt.Config()
	fmt.Fprintln(w, cfg)
	fmt.Fprintf(w, "scale: max %d default %d ceiling %d throttle %d\n",
		cfg.Scale.Max, cfg.Scale.Default, cfg.Scale.PromoteCeiling, cfg.Scale.Throttle)
	for _, warning := range rt.Warnings() {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return nil
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fuzzbed/fuzzbed/internal/doctor"
	"github.com/fuzzbed/fuzzbed/internal/imagespec"
	"github.com/fuzzbed/fuzzbed/internal/log"
	"github.com/fuzzbed/fuzzbed/internal/workspace"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stderr, "Usage: fuzzbed config <show|get> [flags]")
		return 1
	}

	switch args[0] {
	case "show":
		return runConfigShow(args[1:])
	case "get":
		return runConfigGet(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// runConfigShow prints the resolved configuration with secrets masked.
func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("service-config", "", "Path to the service configuration file")
	testbed := fs.String("testbed", "", "Testbed root override")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadServiceConfig(*configPath, *testbed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	redacted := cfg.Redacted()
	if *jsonOut {
		return printJSON(redacted)
	}
	data, err := yaml.Marshal(redacted)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("service-config", "", "Path to the service configuration file")
	testbed := fs.String("testbed", "", "Testbed root override")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: fuzzbed config get <path> [--json]")
		return 1
	}

	cfg, err := loadServiceConfig(*configPath, *testbed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	val, err := cfg.Redacted().GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

// runDoctor checks the testbed directly, without a running server.
func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("service-config", "", "Path to the service configuration file")
	testbed := fs.String("testbed", "", "Testbed root override")
	fix := fs.Bool("fix", false, "Regenerate stale Dockerfiles and executor configs")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadServiceConfig(*configPath, *testbed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	store, err := workspace.NewStore(cfg.Testbed.Root, log.Discard())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Testbed error: %v\n", err)
		return 1
	}
	composer, err := imagespec.NewComposer(imagespec.Options{
		BaseImage:    cfg.Image.BaseImage,
		TemplatePath: cfg.Image.TemplatePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Image template error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, store, composer).Check(*fix)

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid || (*strict && len(result.Warnings) > 0) {
		return 1
	}
	return 0
}

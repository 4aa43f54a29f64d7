package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/richinsley/gen2go/graphapi"
)

func runExtract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print the prompt nodes as JSON")
	dumpWorkflow := fs.String("save-workflow", "", "Write the embedded runtime workflow to this file")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage of %s extract:\n", os.Args[0])
		fmt.Fprintf(fs.Output(), "  %s extract [OPTIONS] image.png\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	setupLogging(*verbose)

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	graph, infos := graphapi.ExtractWorkflow(data)
	if *dumpWorkflow != "" {
		if graph == nil {
			return fmt.Errorf("%s holds no runtime workflow", fs.Arg(0))
		}
		out, err := json.MarshalIndent(graph, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(*dumpWorkflow, out, 0o644); err != nil {
			return err
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		fmt.Println("no prompt nodes found")
		return nil
	}
	for _, info := range infos {
		fmt.Println(info.Label)
	}
	return nil
}

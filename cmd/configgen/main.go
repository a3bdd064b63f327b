package main

import (
	"flag"
	"log"
	"strings"

	"github.com/danmuck/dicomctl/internal/config"
)

func main() {
	kind := flag.String("kind", "catalog", "config kind: "+strings.Join(config.Kinds, "|"))
	output := flag.String("output", "", "output path for config template (defaults to <kind>.toml)")
	validate := flag.Bool("validate", false, "validate an existing catalog")
	input := flag.String("input", "catalog.toml", "catalog path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "catalog" {
			log.Fatalf("-validate only supports -kind catalog; the %s commands validate their own config on start", *kind)
		}
		cat, err := config.LoadCatalog(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated catalog at %s: %d destinations (default %q)", *input, len(cat.Destinations), cat.Default)
		return
	}

	target := *output
	if target == "" {
		target = *kind + ".toml"
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

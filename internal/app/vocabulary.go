package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"horse.fit/issue-index/internal/cli"
	"horse.fit/issue-index/internal/vocabulary"
)

func runVocabulary(args []string) int {
	fs := flag.NewFlagSet("vocabulary", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	file := fs.String("file", "", "Vocabulary YAML to validate (default VOCABULARY_FILE, then embedded)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	path := strings.TrimSpace(*file)
	if path == "" {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		path = strings.TrimSpace(os.Getenv("VOCABULARY_FILE"))
	}

	vocab, err := vocabulary.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid vocabulary: %v\n", err)
		return 1
	}

	printVocabulary(os.Stdout, vocab.Categories())
	return 0
}

func printVocabulary(w io.Writer, categories []vocabulary.Category) {
	for _, category := range categories {
		fmt.Fprintf(
			w,
			"%s\t%s\t%d\t%s\n",
			category.Code,
			category.Name,
			category.Tags.Len(),
			strings.Join(category.Tags.Values(), ", "),
		)
	}
}

package config

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

//go:embed examples/*.yaml
var embeddedExamples embed.FS

// Examples lists the names of the built-in example build files.
func Examples() []string {
	entries, err := fs.ReadDir(embeddedExamples, "examples")
	if err != nil {
		panic(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	slices.Sort(names)
	return names
}

// Example returns the named example build file.
func Example(name string) ([]byte, error) {
	data, err := embeddedExamples.ReadFile(path.Join("examples", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown example %q (available: %s)", name, strings.Join(Examples(), ", "))
	}
	return data, nil
}

// Command configgen upgrades a config file in place: it parses the existing
// file (if any), fills in every missing field with its default and writes
// the result back atomically. Pointing it at a nonexistent path produces a
// fresh template.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <path to config file>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Parses the given config (if it exists), adds missing fields, and writes it back.")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	path := flag.Arg(0)

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fail(fmt.Errorf("read config: %w", err))
		}
		fmt.Println("Config does not exist, creating a new one")
	}

	fc, err := config.Upgrade(data)
	if err != nil {
		fail(err)
	}
	if err := config.Write(path, fc); err != nil {
		fail(err)
	}
	fmt.Println("Config upgraded successfully!")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
	os.Exit(1)
}

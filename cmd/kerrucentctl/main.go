// kerrucentctl is the command line client of the kerrucent HTTP API.
//
// Without arguments it opens an interactive shell on a terminal and reads
// commands line by line otherwise. With arguments it runs one command.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/moamoak/kerrucent/config"
	"github.com/moamoak/kerrucent/internal/client"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	addr := flag.String("addr", envOr("KERRUCENT_ADDR", config.DefaultAPIListen), "API address")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("kerrucentctl", Version)
		return
	}

	sh := newShell(client.New(&client.Config{Addr: *addr, RequestTimeout: *timeout}), os.Stdout)

	switch {
	case flag.NArg() > 0:
		if err := sh.execute(flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case term.IsTerminal(int(os.Stdin.Fd())):
		runInteractive(sh, *addr)
	default:
		if failed := runScript(sh, bufio.NewScanner(os.Stdin)); failed > 0 {
			os.Exit(1)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// runScript executes one command per line and returns how many failed.
func runScript(sh *shell, sc *bufio.Scanner) int {
	failed := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := sh.execute(strings.Fields(line)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", line, err)
			failed++
		}
	}
	return failed
}

func runInteractive(sh *shell, addr string) {
	fmt.Printf("kerrucentctl %s connected to %s. Type help for commands.\n", Version, addr)

	p := prompt.New(
		func(line string) {
			line = strings.TrimSpace(line)
			if line == "" || line == "exit" || line == "quit" {
				return
			}
			if err := sh.execute(strings.Fields(line)); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		},
		sh.complete,
		prompt.OptionPrefix("kerrucent> "),
		prompt.OptionTitle("kerrucentctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			in = strings.TrimSpace(in)
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}

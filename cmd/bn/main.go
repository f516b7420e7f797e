// Command bn is a thin entrypoint over pkg/bones: create an item, catch
// the projection up, and print what got materialized. It exists to
// exercise Engine end to end from a real process; a fuller command
// surface (subcommands, render modes, search) would layer on top of the
// same library.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/bobisme/bones/pkg/bones"
	"github.com/bobisme/bones/pkg/event"
)

func main() {
	var (
		dir   = flag.String("dir", "", "project directory (default: BONES_DIR or cwd)")
		agent = flag.String("agent", envOr("BONES_AGENT", "bn"), "agent id recorded on appended events")
		title = flag.String("title", "", "create an item with this title before projecting")
	)
	flag.Parse()

	e, err := bones.Open(bones.Options{Dir: *dir})
	if err != nil {
		fatal("%v", err)
	}
	defer e.Close()

	if *title != "" {
		ev, err := e.CreateItem(*agent, &event.CreatePayload{Title: *title, ItemKind: event.ItemTask})
		if err != nil {
			fatal("create: %v", err)
		}
		fmt.Printf("created %s (%s)\n", ev.ItemID, ev.Hash)
	}

	report, err := e.Project()
	if err != nil {
		fatal("project: %v", err)
	}
	fmt.Printf("projected %d event(s); rebuilt=%v\n", report.EventsSeen, report.Rebuilt)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "bn: "+format+"\n", args...)
	os.Exit(1)
}

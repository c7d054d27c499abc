package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"pairline/internal/core/domain"
	"pairline/internal/core/services"
	"pairline/internal/infrastructure/console"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("/start"),
	readline.PcItem("/stop"),
	readline.PcItem("/next"),
	readline.PcItem("/mute"),
	readline.PcItem("/switch"),
	readline.PcItem("/status"),
	readline.PcItem("/help"),
	readline.PcItem("/quit"),
)

func printHelp(w io.Writer) {
	c := color.New(color.FgMagenta)
	c.Fprintln(w, "commands:")
	c.Fprintln(w, "  /start    look for a partner")
	c.Fprintln(w, "  /stop     end the session and stop searching")
	c.Fprintln(w, "  /next     drop the current partner and search again")
	c.Fprintln(w, "  /mute     toggle the microphone")
	c.Fprintln(w, "  /switch   swap between front and back camera")
	c.Fprintln(w, "  /status   show session state")
	c.Fprintln(w, "  /quit     exit")
	c.Fprintln(w, "anything else is sent as a chat message")
}

// host maps console input onto the session machine.
type host struct {
	machine  *services.SessionMachine
	media    *services.MediaController
	renderer *console.Renderer
	out      io.Writer
}

type command struct {
	name string
	arg  string
}

// parseCommand splits "/name arg"; chat lines come back with an empty name.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{arg: line}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

// execute runs one line of input and reports whether the host should exit.
func (h *host) execute(ctx context.Context, line string) bool {
	cmd, ok := parseCommand(line)
	if !ok {
		if cmd.arg == "" {
			return false
		}
		if err := h.machine.Send(cmd.arg); err != nil {
			color.New(color.FgRed).Fprintln(h.out, err)
		}
		return false
	}

	switch cmd.name {
	case "start":
		h.report(h.machine.StartSearch(ctx))
	case "stop":
		h.machine.Stop()
	case "next":
		h.machine.Stop()
		h.report(h.machine.StartSearch(ctx))
	case "mute":
		if h.machine.ToggleMute() {
			h.renderer.Log("microphone muted")
		} else {
			h.renderer.Log("microphone live")
		}
	case "switch":
		if err := h.machine.SwitchFacing(ctx); err != nil {
			h.report(err)
		} else {
			h.renderer.Log(fmt.Sprintf("camera facing %s", h.media.Facing()))
		}
	case "status":
		h.printStatus()
	case "help":
		printHelp(h.out)
	case "quit", "exit":
		return true
	default:
		color.New(color.FgRed).Fprintf(h.out, "unknown command /%s, try /help\n", cmd.name)
	}
	return false
}

func (h *host) report(err error) {
	if err == nil {
		return
	}
	color.New(color.FgRed).Fprintln(h.out, err)
}

func (h *host) printStatus() {
	state := h.machine.State()
	snap := h.renderer.Snapshot()
	c := color.New(color.FgCyan)
	c.Fprintf(h.out, "id:      %s\n", h.machine.Self())
	c.Fprintf(h.out, "state:   %s\n", state)
	c.Fprintf(h.out, "status:  %s\n", snap.Status)
	c.Fprintf(h.out, "camera:  %s muted=%v\n", h.media.Facing(), h.media.Muted())
	if state.Kind == domain.StateConnected {
		c.Fprintf(h.out, "remote:  %s\n", h.renderer.StreamSummary())
	}
}

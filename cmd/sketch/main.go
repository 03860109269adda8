package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/betomoedano/sketch-app/internal/canvas"
	"github.com/betomoedano/sketch-app/internal/config"
	"github.com/betomoedano/sketch-app/internal/discovery"
	"github.com/betomoedano/sketch-app/internal/models"
	"github.com/betomoedano/sketch-app/internal/outbox"
	"github.com/betomoedano/sketch-app/internal/render"
	"github.com/betomoedano/sketch-app/internal/transport/wsclient"
)

/*
LEARNING: A HEADLESS CANVAS CLIENT

Edits apply to the local cache immediately and are journaled to the outbox;
the engine ships them in the background and keeps going while offline.
Commands are read line by line from stdin:

  tool select|rectangle|circle|triangle   color #rrggbb
  tap X Y            drag X0 Y0 X1 Y1 [steps]
  move ID X Y        delete [ID]        clear
  list               pending            render FILE.png
  quit
*/

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverURL := cfg.ServerURL
	if serverURL == "" {
		log.Printf("🔄 Looking for a canvas server (%s)...", cfg.MDNSService)
		serverURL, err = discovery.Lookup(ctx, cfg.MDNSService, cfg.MDNSTimeout)
		if err != nil {
			log.Fatalf("❌ %v (set SKETCH_SERVER_URL)", err)
		}
	}

	box, err := outbox.Open(cfg.OutboxPath)
	if err != nil {
		log.Fatalf("❌ Failed to open outbox: %v", err)
	}
	defer box.Close()

	client := wsclient.New(serverURL, cfg.ClientID, cfg.UserName)
	client.OnPresence = func(p models.Presence, left bool) {
		switch {
		case left:
			log.Printf("👋 %s left", p.UserName)
		case p.Dragging != "" && p.Cursor != nil:
			log.Printf("   %s is dragging %s at (%.0f, %.0f)", p.UserName, short(p.Dragging), p.Cursor.X, p.Cursor.Y)
		case p.Selected != "":
			log.Printf("   %s selected %s", p.UserName, short(p.Selected))
		default:
			log.Printf("👋 %s is here", p.UserName)
		}
	}
	defer client.Close()

	opts := canvas.DefaultOptions(cfg.CanvasID, cfg.ClientID)
	opts.BatchSize = cfg.BatchSize
	opts.MaxRetries = uint64(cfg.MaxRetries)
	opts.InitialBackoff = cfg.InitialBackoff
	opts.MaxBackoff = cfg.MaxBackoff
	opts.WriteTimeout = cfg.WriteTimeout
	opts.Journal = box
	opts.Notifier = canvas.NotifierFunc(func(f canvas.Failure) {
		fmt.Printf("!! could not save: %v\n", f)
	})

	engine := canvas.NewEngine(client, opts)
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("❌ Failed to start sync engine: %v", err)
	}
	defer engine.Shutdown()

	session := canvas.NewEditorSession(engine, cfg.ClientID, cfg.UserName)
	session.SetPresenceSink(client)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
		os.Stdin.Close()
	}()

	fmt.Printf("sketch: canvas %s as %s via %s\n", cfg.CanvasID, cfg.ClientID, serverURL)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			break
		}
		if err := run(session, engine, fields); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	if n := engine.Pending(); n > 0 {
		log.Printf("⚠️  %d unsaved change(s) kept in %s", n, cfg.OutboxPath)
	}
}

func run(s *canvas.EditorSession, e *canvas.Engine, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "tool":
		if len(args) != 1 {
			return fmt.Errorf("usage: tool select|rectangle|circle|triangle")
		}
		return s.SetTool(canvas.Tool(args[0]))

	case "color":
		if len(args) != 1 {
			return fmt.Errorf("usage: color #rrggbb")
		}
		return s.SetColor(args[0])

	case "tap":
		pos, err := position(args, 0)
		if err != nil {
			return err
		}
		id, err := s.Tap(pos)
		if err != nil {
			return err
		}
		if id == "" {
			fmt.Println("nothing selected")
		} else {
			fmt.Printf("selected %s\n", short(id))
		}
		return nil

	case "drag":
		return drag(s, args)

	case "move":
		if len(args) != 3 {
			return fmt.Errorf("usage: move ID X Y")
		}
		pos, err := position(args, 1)
		if err != nil {
			return err
		}
		id, err := resolve(e, args[0])
		if err != nil {
			return err
		}
		return e.Move(id, pos)

	case "delete":
		if len(args) == 0 {
			return s.DeleteSelected()
		}
		id, err := resolve(e, args[0])
		if err != nil {
			return err
		}
		return e.Delete(id)

	case "clear":
		fmt.Printf("deleted %d element(s)\n", s.Clear())
		return nil

	case "list":
		list(e.Snapshot(), s.Selected())
		return nil

	case "pending":
		entries := e.Entries()
		fmt.Printf("%d unconfirmed change(s)\n", len(entries))
		for _, entry := range entries {
			fmt.Printf("  #%d %-7s %s %s attempts=%d\n", entry.LocalSeq, entry.Mutation.Type,
				short(entry.Mutation.ElementID), entry.State, entry.Attempts)
		}
		return nil

	case "render":
		if len(args) != 1 {
			return fmt.Errorf("usage: render FILE.png")
		}
		opts := render.DefaultOptions()
		opts.Selected = s.Selected()
		if err := render.SavePNG(args[0], e.Snapshot().Elements, opts); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", args[0])
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// drag X0 Y0 X1 Y1 [steps]
func drag(s *canvas.EditorSession, args []string) error {
	if len(args) != 4 && len(args) != 5 {
		return fmt.Errorf("usage: drag X0 Y0 X1 Y1 [steps]")
	}
	from, err := position(args, 0)
	if err != nil {
		return err
	}
	to, err := position(args, 2)
	if err != nil {
		return err
	}
	steps := 10
	if len(args) == 5 {
		if steps, err = strconv.Atoi(args[4]); err != nil || steps < 1 {
			return fmt.Errorf("invalid steps %q", args[4])
		}
	}

	id, err := s.BeginDrag(from)
	if err != nil {
		return err
	}
	for i := 1; i <= steps; i++ {
		f := float64(i) / float64(steps)
		pos := models.Position{X: from.X + (to.X-from.X)*f, Y: from.Y + (to.Y-from.Y)*f}
		if err := s.DragTo(pos); err != nil {
			s.CancelDrag()
			return err
		}
	}
	if err := s.EndDrag(); err != nil {
		return err
	}
	fmt.Printf("moved %s\n", short(id))
	return nil
}

func position(args []string, at int) (models.Position, error) {
	if len(args) < at+2 {
		return models.Position{}, fmt.Errorf("expected X Y")
	}
	x, err := strconv.ParseFloat(args[at], 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("invalid x %q", args[at])
	}
	y, err := strconv.ParseFloat(args[at+1], 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("invalid y %q", args[at+1])
	}
	return models.Position{X: x, Y: y}, nil
}

// resolve expands an id prefix as printed by list.
func resolve(e *canvas.Engine, prefix string) (string, error) {
	var match string
	for _, el := range e.Snapshot().Elements {
		if strings.HasPrefix(el.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("ambiguous id %q", prefix)
			}
			match = el.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", canvas.ErrUnknownElement, prefix)
	}
	return match, nil
}

func list(snap canvas.Snapshot, selected string) {
	fmt.Printf("%d element(s), version %d\n", len(snap.Elements), snap.Version)
	for _, el := range snap.Elements {
		mark := " "
		if el.ID == selected {
			mark = "*"
		}
		fmt.Printf("%s %s %-9s (%.0f, %.0f) %.0fx%.0f %s\n", mark, short(el.ID), el.Kind,
			el.Position.X, el.Position.Y, el.Style.Width, el.Style.Height, el.Style.Color)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

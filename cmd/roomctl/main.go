// roomctl inspects an engine data directory: timelines, auth chains and
// room state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	ouroboros "github.com/i5heu/ouroboros-rooms"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/logging"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "roomctl",
		Usage: "query the room event graph store",
		Description: "scan, state and stats only read. auth-chain interns unseen event and room ids\n" +
			"and persists the chains it computes, so it writes to the store.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file, overrides --path and --backend",
				EnvVars: []string{"ROOMS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "path",
				Value: "./data",
				Usage: "data directory",
			},
			&cli.StringFlag{
				Name:  "backend",
				Value: string(keyValStore.BackendBadger),
				Usage: "storage backend: badger or bolt",
			},
			&cli.StringFlag{
				Name:  "log",
				Value: "warning",
				Usage: "log level",
			},
		},
		Commands: []*cli.Command{
			scanCommand(),
			authChainCommand(),
			stateCommand(),
			statsCommand(),
		},
	}
}

func withEngine(fn func(c *cli.Context, e *ouroboros.Engine) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		var conf ouroboros.Config
		if path := c.String("config"); path != "" {
			var err error
			if conf, err = ouroboros.ConfigFromFile(path); err != nil {
				return err
			}
		} else {
			log, err := logging.New(logging.Config{Level: c.String("log")})
			if err != nil {
				return err
			}
			conf = ouroboros.Config{
				Paths:   []string{c.String("path")},
				Backend: keyValStore.Backend(c.String("backend")),
				Logger:  log,
			}
		}

		e, err := ouroboros.New(conf)
		if err != nil {
			return err
		}
		if err := e.Start(c.Context); err != nil {
			return err
		}
		defer func() {
			if err := e.Close(context.Background()); err != nil {
				logrus.WithError(err).Warn("close engine")
			}
		}()
		return fn(c, e)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "print the events of a room timeline",
		ArgsUsage: "<room id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "since", Usage: "exclusive start token, default is the start of the timeline"},
			&cli.BoolFlag{Name: "backward", Aliases: []string{"b"}, Usage: "walk towards older events"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum number of events, 0 for all"},
			&cli.StringFlag{Name: "viewer", Usage: "present events as seen by this user"},
		},
		Action: withEngine(func(c *cli.Context, e *ouroboros.Engine) error {
			roomID := c.Args().First()
			if roomID == "" {
				return cli.Exit("room id is required", 2)
			}

			dir, since := types.Forward, types.CountMin
			if c.Bool("backward") {
				dir, since = types.Backward, types.CountMax
			}
			if token := c.String("since"); token != "" {
				var err error
				if since, err = types.ParseCount(token); err != nil {
					return err
				}
			}

			var opts []ouroboros.ScanOption
			if viewer := c.String("viewer"); viewer != "" {
				opts = append(opts, ouroboros.WithViewer(viewer))
			}
			entries, err := e.ScanSince(c.Context, roomID, since, dir, opts...).Collect(c.Int("limit"))
			if err != nil {
				return err
			}

			type line struct {
				Token string       `json:"token"`
				Event *types.Event `json:"event"`
			}
			out := make([]line, 0, len(entries))
			for _, entry := range entries {
				out = append(out, line{Token: entry.Count.String(), Event: entry.Event})
			}
			return printJSON(out)
		}),
	}
}

func authChainCommand() *cli.Command {
	return &cli.Command{
		Name:      "auth-chain",
		Usage:     "print the auth chain of one or more events, persisting it in the chain cache",
		ArgsUsage: "<room id> <event id>...",
		Description: "Computes the chain with gap reporting. Unseen ids are interned and the\n" +
			"resulting chains are written to the persisted chain cache.",
		Action: withEngine(func(c *cli.Context, e *ouroboros.Engine) error {
			if c.NArg() < 2 {
				return cli.Exit("room id and at least one event id are required", 2)
			}
			res, err := e.GetAuthChainWithGaps(c.Context, c.Args().First(), c.Args().Tail())
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	}
}

func stateCommand() *cli.Command {
	return &cli.Command{
		Name:      "state",
		Usage:     "print a state snapshot, the current room state when given a room id",
		ArgsUsage: "<snapshot id | room id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "layers", Usage: "print the delta chain instead of the flattened state"},
		},
		Action: withEngine(func(c *cli.Context, e *ouroboros.Engine) error {
			arg := c.Args().First()
			if arg == "" {
				return cli.Exit("snapshot id or room id is required", 2)
			}

			var id types.SnapshotID
			if n, err := strconv.ParseUint(arg, 10, 64); err == nil {
				id = types.SnapshotID(n)
			} else {
				var ok bool
				id, ok, err = e.RoomState(c.Context, arg)
				if err != nil {
					return err
				}
				if !ok {
					return cli.Exit(fmt.Sprintf("room %s has no current state", arg), 1)
				}
			}

			if c.Bool("layers") {
				layers, err := e.StateLayers(c.Context, id)
				if err != nil {
					return err
				}
				return printJSON(layers)
			}

			state, err := e.ResolveState(c.Context, id)
			if err != nil {
				return err
			}
			type entry struct {
				types.StateKey
				EventID string `json:"event_id"`
			}
			out := make([]entry, 0, len(state))
			for key, eventID := range state {
				out = append(out, entry{StateKey: key, EventID: eventID})
			}
			sort.Slice(out, func(i, j int) bool {
				if out[i].Type != out[j].Type {
					return out[i].Type < out[j].Type
				}
				return out[i].StateKey.StateKey < out[j].StateKey.StateKey
			})
			return printJSON(map[string]interface{}{"snapshot": id, "state": out})
		}),
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "print cache statistics and the latest count of the given rooms",
		ArgsUsage: "[room id]...",
		Action: withEngine(func(c *cli.Context, e *ouroboros.Engine) error {
			caches, err := e.CacheStats()
			if err != nil {
				return err
			}
			rooms := map[string]string{}
			for _, roomID := range c.Args().Slice() {
				count, ok, err := e.LatestCount(c.Context, roomID)
				if err != nil {
					return err
				}
				if ok {
					rooms[roomID] = count.String()
				}
			}
			return printJSON(map[string]interface{}{"caches": caches, "rooms": rooms})
		}),
	}
}

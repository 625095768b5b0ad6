package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/procbridge/agent"
	"github.com/guseggert/procbridge/internal/config"
	"github.com/guseggert/procbridge/internal/process"
	"github.com/guseggert/procbridge/lsp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

func main() {
	app := &cli.App{
		Name:  "procbridge",
		Usage: "bridges language servers and terminals to an editor front end",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML config file. Defaults to ~/.procbridge/config.toml.",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "The control API address. Overrides listen_addr from the config file.",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			lspCommand,
			termCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet("addr") {
		cfg.ListenAddr = ctx.String("addr")
	}
	return cfg, nil
}

// languageTable applies the config file's [languages] entries to the built-in table.
func languageTable(cfg *config.Config) lsp.Table {
	table := lsp.DefaultLanguages()
	for tag, l := range cfg.Languages {
		table = table.With(lsp.Language{
			Tag:         tag,
			Command:     l.Command,
			Args:        l.Args,
			VersionArgs: l.VersionArgs,
			Manifests:   l.Manifests,
			Env:         l.Env,
		})
	}
	return table
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the bridge",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "One of [debug,info,warn,error]. Overrides log_level from the config file.",
		},
		&cli.StringFlag{
			Name:  "on-heartbeat-failure",
			Usage: "Action to take on a heartbeat failure. One of [stop,exit,none].",
			Value: "none",
		},
		&cli.StringFlag{
			Name:  "heartbeat-timeout",
			Usage: "Duration to wait for a heartbeat before acting. Only used with --on-heartbeat-failure.",
			Value: "1m",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		levelStr := cfg.LogLevel
		if ctx.IsSet("log-level") {
			levelStr = ctx.String("log-level")
		}
		level, err := zapcore.ParseLevel(levelStr)
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}

		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		opts := []agent.Option{
			agent.WithLogger(logger),
			agent.WithLogLevel(level),
			agent.WithListenAddr(cfg.ListenAddr),
			agent.WithLanguages(languageTable(cfg)),
			agent.WithTerminalSize(process.Size{Rows: uint16(cfg.TerminalRows), Cols: uint16(cfg.TerminalCols)}),
			agent.WithInputRateLimit(rate.Limit(cfg.InputRate), cfg.InputBurst),
		}
		if cfg.Shell != "" {
			opts = append(opts, agent.WithShell(cfg.Shell, cfg.ShellArgs...))
		}

		switch onFailure := ctx.String("on-heartbeat-failure"); onFailure {
		case "stop", "exit":
			heartbeatTimeout, err := time.ParseDuration(ctx.String("heartbeat-timeout"))
			if err != nil {
				return fmt.Errorf("parsing heartbeat timeout: %w", err)
			}
			opts = append(opts, agent.WithHeartbeatTimeout(heartbeatTimeout))
			if onFailure == "exit" {
				opts = append(opts, agent.WithHeartbeatFailureHandler(agent.HeartbeatFailureExit))
			}
		case "none":
			// nothing
		default:
			return fmt.Errorf("unsupported on-heartbeat-failure %q", onFailure)
		}

		a, err := agent.New(opts...)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			logger.Sugar().Infof("received %s, shutting down", sig)
			if err := a.Close(); err != nil {
				logger.Sugar().Warnf("shutdown: %s", err)
			}
		}()

		if err := a.Run(); err != nil {
			_ = a.Close()
			return err
		}
		return a.Close()
	},
}

func newClient(ctx *cli.Context) (*agent.Client, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zapcore.WarnLevel))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return agent.NewClient(logger.Sugar(), cfg.ListenAddr)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireArgs(ctx *cli.Context, names ...string) error {
	if ctx.NArg() != len(names) {
		return fmt.Errorf("expected arguments: %v", names)
	}
	return nil
}

var lspCommand = &cli.Command{
	Name:  "lsp",
	Usage: "manage language servers on a running bridge",
	Subcommands: []*cli.Command{
		{
			Name:      "start",
			Usage:     "start a language server and print its id and port",
			ArgsUsage: "<language> <root path>",
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, "language", "root path"); err != nil {
					return err
				}
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				resp, err := client.StartLSP(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1))
				if err != nil {
					return err
				}
				return printJSON(resp)
			},
		},
		{
			Name:      "stop",
			Usage:     "stop a language server",
			ArgsUsage: "<id>",
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, "id"); err != nil {
					return err
				}
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				return client.StopLSP(ctx.Context, ctx.Args().First())
			},
		},
		{
			Name:  "list",
			Usage: "list running language servers",
			Action: func(ctx *cli.Context) error {
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				infos, err := client.ListLSPs(ctx.Context)
				if err != nil {
					return err
				}
				return printJSON(infos)
			},
		},
		{
			Name:      "detect",
			Usage:     "find the project root and language for a path",
			ArgsUsage: "<path>",
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, "path"); err != nil {
					return err
				}
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				project, err := client.DetectProject(ctx.Context, ctx.Args().First())
				if err != nil {
					return err
				}
				return printJSON(project)
			},
		},
		{
			Name:      "probe",
			Usage:     "check whether a language's server is installed",
			ArgsUsage: "<language>",
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, "language"); err != nil {
					return err
				}
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				ok, err := client.ProbeLanguageServer(ctx.Context, ctx.Args().First())
				if err != nil {
					return err
				}
				return printJSON(agent.ProbeResponse{Available: ok})
			},
		},
	},
}

var termCommand = &cli.Command{
	Name:  "term",
	Usage: "manage terminals on a running bridge",
	Subcommands: []*cli.Command{
		{
			Name:      "start",
			Usage:     "start a terminal, replacing any terminal with the same id",
			ArgsUsage: "<id>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "dir", Usage: "Working directory for the shell."},
				&cli.UintFlag{Name: "rows", Usage: "Terminal rows."},
				&cli.UintFlag{Name: "cols", Usage: "Terminal columns."},
			},
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, "id"); err != nil {
					return err
				}
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				return client.StartTerminal(ctx.Context, ctx.Args().First(), agent.StartTerminalRequest{
					WorkingDir: ctx.String("dir"),
					Rows:       uint16(ctx.Uint("rows")),
					Cols:       uint16(ctx.Uint("cols")),
				})
			},
		},
		{
			Name:      "write",
			Usage:     "send input to a terminal",
			ArgsUsage: "<id> <text>",
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, "id", "text"); err != nil {
					return err
				}
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				return client.WriteTerminal(ctx.Context, ctx.Args().Get(0), []byte(ctx.Args().Get(1)))
			},
		},
		{
			Name:      "stop",
			Usage:     "kill a terminal",
			ArgsUsage: "<id>",
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, "id"); err != nil {
					return err
				}
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				return client.StopTerminal(ctx.Context, ctx.Args().First())
			},
		},
		{
			Name:  "list",
			Usage: "list running terminals",
			Action: func(ctx *cli.Context) error {
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				terms, err := client.ListTerminals(ctx.Context)
				if err != nil {
					return err
				}
				return printJSON(terms)
			},
		},
		{
			Name:      "attach",
			Usage:     "print a terminal's output and forward stdin lines to it until it exits",
			ArgsUsage: "<id>",
			Action: func(ctx *cli.Context) error {
				if err := requireArgs(ctx, "id"); err != nil {
					return err
				}
				id := ctx.Args().First()
				client, err := newClient(ctx)
				if err != nil {
					return err
				}
				runCtx, cancel := context.WithCancel(ctx.Context)
				defer cancel()

				events, err := client.Events(runCtx, id)
				if err != nil {
					return err
				}
				defer events.Close()

				go func() {
					scanner := bufio.NewScanner(os.Stdin)
					for scanner.Scan() {
						if err := client.WriteTerminal(runCtx, id, append(scanner.Bytes(), '\n')); err != nil {
							fmt.Fprintf(os.Stderr, "write: %s\n", err)
							cancel()
							return
						}
					}
				}()

				for {
					msg, err := events.Next(runCtx)
					if err != nil {
						return err
					}
					if msg.Type == "exit" {
						return nil
					}
					fmt.Print(msg.Data)
				}
			},
		},
	},
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/drpcorg/factory"
	"github.com/drpcorg/factory/api"
	"github.com/drpcorg/factory/directory"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/migrations"
	"github.com/drpcorg/factory/presets"
	"github.com/ergochat/readline"
	"github.com/spf13/cobra"
)

var (
	shellCaller string

	shellCmd = &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over a local store",
		RunE:  runShell,
	}
)

func init() {
	shellCmd.Flags().StringVar(&shellCaller, "as", "", "initial caller identity")
}

var ErrBadArgument = errors.New("bad argument")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("as"),

	readline.PcItem("init"),
	readline.PcItem("config"),
	readline.PcItem("set-config"),

	readline.PcItem("create"),
	readline.PcItem("update"),
	readline.PcItem("hide"),
	readline.PcItem("count"),
	readline.PcItem("meta"),
	readline.PcItem("tags"),
	readline.PcItem("relations"),
	readline.PcItem("has-tags"),
	readline.PcItem("has-relations"),
	readline.PcItem("is-related"),

	readline.PcItem("range"),
	readline.PcItem("by-tag"),
	readline.PcItem("related"),

	readline.PcItem("preset"),
	readline.PcItem("presets"),
	readline.PcItem("set-preset"),
	readline.PcItem("rm-preset"),

	readline.PcItem("begin"),
	readline.PcItem("step"),
	readline.PcItem("retry"),
	readline.PcItem("cancel"),
	readline.PcItem("session"),
	readline.PcItem("migrate-one"),

	readline.PcItem("fail"),
	readline.PcItem("heal"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const shellHelp = `as <caller>                     act as caller
init {config}                   config | set-config {config}
create {params}                 update {params} | hide [{selector}]
count | meta {selector}         tags|relations {record query}
has-tags|has-relations {query}  is-related {record, relation}
range|by-tag|related {query}
preset <name> | presets [{paging}] | set-preset {preset} | rm-preset <name>
begin {params}                  step|cancel <name> | retry <name> [{params}]
session <name> [{paging}]       migrate-one {address, target_template, payload}
fail <address> <error> | heal <address>
exit`

// Shell runs one line at a time against a factory. Commands are a verb
// followed by an optional JSON argument.
type Shell struct {
	f        *factory.Factory
	loopback *host.Loopback
	caller   string
	rl       *readline.Instance
}

func NewShell(f *factory.Factory, loopback *host.Loopback, caller string) *Shell {
	return &Shell{f: f, loopback: loopback, caller: caller}
}

func (sh *Shell) Open() (err error) {
	sh.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".factory_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	sh.rl.CaptureExitSignal()
	return
}

func (sh *Shell) Close() error {
	if sh.rl != nil {
		_ = sh.rl.Close()
		sh.rl = nil
	}
	return nil
}

func bind(arg string, into any) error {
	if arg == "" {
		return errors.Join(ErrBadArgument, errors.New("expected a JSON argument"))
	}
	if err := json.Unmarshal([]byte(arg), into); err != nil {
		return errors.Join(ErrBadArgument, err)
	}
	return nil
}

func optional(arg string, into any) error {
	if arg == "" {
		return nil
	}
	return bind(arg, into)
}

func word(arg string) (string, error) {
	if arg == "" || strings.ContainsAny(arg, " \t") {
		return "", errors.Join(ErrBadArgument, fmt.Errorf("expected one word, got %q", arg))
	}
	return arg, nil
}

// settle waits for the replies of dispatched commands, so their effects
// show up in the next query.
func (sh *Shell) settle(ctx context.Context) {
	if sh.loopback == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = sh.loopback.Drain(ctx)
}

// Exec runs one command line and returns what should be printed.
func (sh *Shell) Exec(ctx context.Context, line string) (out any, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	verb, arg := line, ""
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		verb, arg = line[:ws], strings.TrimSpace(line[ws:])
	}
	f := sh.f
	switch verb {
	case "help":
		return shellHelp, nil
	case "exit", "quit":
		return nil, io.EOF
	case "as":
		var caller string
		if caller, err = word(arg); err != nil {
			return
		}
		sh.caller = caller
		return "acting as " + caller, nil

	case "init":
		var cfg factory.Config
		if err = bind(arg, &cfg); err == nil {
			err = f.Init(ctx, cfg)
		}
	case "config":
		return f.Config(ctx)
	case "set-config":
		var cfg factory.Config
		if err = bind(arg, &cfg); err == nil {
			err = f.SetConfig(ctx, sh.caller, cfg)
		}

	case "create":
		var p factory.CreateParams
		if err = bind(arg, &p); err != nil {
			return
		}
		cmd, err := f.Create(ctx, sh.caller, p)
		if cmd.Kind == "" {
			return nil, err
		}
		sh.settle(ctx)
		return cmd, err
	case "update":
		var p factory.UpdateParams
		if err = bind(arg, &p); err == nil {
			err = f.Update(ctx, sh.caller, p)
		}
	case "hide":
		var sel *directory.Selector
		if err = optional(arg, &sel); err != nil {
			return
		}
		return f.ToggleHidden(ctx, sh.caller, sel)
	case "count":
		return f.RecordCount(ctx)
	case "meta":
		var sel directory.Selector
		if err = bind(arg, &sel); err != nil {
			return
		}
		return f.RecordMetadata(ctx, sel)
	case "tags", "relations":
		var q factory.RecordQuery
		if err = bind(arg, &q); err != nil {
			return
		}
		if verb == "tags" {
			return f.RecordTags(ctx, q)
		}
		return f.RecordRelations(ctx, q)
	case "has-tags":
		var q api.HasTagsRequest
		if err = bind(arg, &q); err != nil {
			return
		}
		return f.RecordHasTags(ctx, q.Record, q.Selectors, q.Test)
	case "has-relations":
		var q api.HasRelationsRequest
		if err = bind(arg, &q); err != nil {
			return
		}
		return f.RecordHasRelations(ctx, q.Record, q.Selectors, q.Test)
	case "is-related":
		var q api.IsRelatedRequest
		if err = bind(arg, &q); err != nil {
			return
		}
		return f.RecordIsRelatedTo(ctx, q.Record, q.Relation)

	case "range":
		var q factory.RangeQuery
		if err = bind(arg, &q); err != nil {
			return
		}
		return f.RecordsInRange(ctx, q)
	case "by-tag":
		var q factory.TagQuery
		if err = bind(arg, &q); err != nil {
			return
		}
		return f.RecordsByTag(ctx, q)
	case "related":
		var q factory.RelatedQuery
		if err = bind(arg, &q); err != nil {
			return
		}
		return f.RecordsRelatedTo(ctx, q)

	case "preset":
		var name string
		if name, err = word(arg); err != nil {
			return
		}
		return f.Preset(ctx, name)
	case "presets":
		var paging factory.Paging
		if err = optional(arg, &paging); err != nil {
			return
		}
		return f.Presets(ctx, paging)
	case "set-preset":
		var p presets.Preset
		if err = bind(arg, &p); err == nil {
			err = f.SetPreset(ctx, sh.caller, p)
		}
	case "rm-preset":
		var name string
		if name, err = word(arg); err == nil {
			err = f.RemovePreset(ctx, sh.caller, name)
		}

	case "begin":
		var p migrations.Params
		if err = bind(arg, &p); err != nil {
			return
		}
		return f.BeginMigration(ctx, sh.caller, p)
	case "step":
		var name string
		if name, err = word(arg); err != nil {
			return
		}
		s, cmds, err := f.StepMigration(ctx, sh.caller, name)
		sh.settle(ctx)
		return api.CommandsResponse{Session: &s, Commands: cmds}, err
	case "retry":
		name, rest, _ := strings.Cut(arg, " ")
		var override *migrations.Params
		if err = optional(strings.TrimSpace(rest), &override); err != nil {
			return
		}
		s, cmds, err := f.RetryMigration(ctx, sh.caller, name, override)
		sh.settle(ctx)
		return api.CommandsResponse{Session: &s, Commands: cmds}, err
	case "cancel":
		var name string
		if name, err = word(arg); err == nil {
			err = f.CancelMigration(ctx, sh.caller, name)
		}
	case "session":
		name, rest, _ := strings.Cut(arg, " ")
		var paging factory.Paging
		if err = optional(strings.TrimSpace(rest), &paging); err != nil {
			return
		}
		return f.MigrationSession(ctx, name, paging)
	case "migrate-one":
		var req api.MigrateOneRequest
		if err = bind(arg, &req); err != nil {
			return
		}
		return f.MigrateOne(ctx, sh.caller, req.Address, req.TargetTemplate, req.Payload)

	case "fail", "heal":
		if sh.loopback == nil {
			return nil, errors.Join(factory_errors.ErrValidation, errors.New("no loopback dispatcher"))
		}
		target, msg, _ := strings.Cut(arg, " ")
		if target == "" {
			return nil, errors.Join(ErrBadArgument, errors.New("expected an address"))
		}
		if verb == "heal" {
			sh.loopback.Heal(target)
			return "healed " + target, nil
		}
		if msg = strings.TrimSpace(msg); msg == "" {
			msg = "upgrade failed"
		}
		sh.loopback.Fail(target, msg)
		return "failing " + target, nil

	default:
		return nil, errors.Join(ErrBadArgument, fmt.Errorf("command unknown: %s", verb))
	}
	if err == nil && out == nil {
		out = "ok"
	}
	return
}

func show(w io.Writer, out any) {
	switch v := out.(type) {
	case nil:
	case string:
		_, _ = fmt.Fprintln(w, v)
	default:
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(w, "%v\n", v)
			return
		}
		_, _ = fmt.Fprintln(w, string(raw))
	}
}

// REPL reads and runs lines until exit or end of input.
func (sh *Shell) REPL(ctx context.Context) error {
	for {
		line, err := sh.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		out, err := sh.Exec(ctx, line)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
		}
		show(os.Stdout, out)
	}
}

func runShell(cmd *cobra.Command, _ []string) error {
	n, err := openNode()
	if err != nil {
		return err
	}
	defer n.Close()
	if err := n.seed(cmd.Context()); err != nil {
		return err
	}
	sh := NewShell(n.factory, n.loopback, shellCaller)
	if err := sh.Open(); err != nil {
		return err
	}
	defer sh.Close()
	return sh.REPL(cmd.Context())
}

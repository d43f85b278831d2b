package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/olekukonko/tablewriter"

	"github.com/moamoak/kerrucent/internal/client"
	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/rrd"
)

type command struct {
	usage string
	help  string
	run   func(sh *shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":     {"help", "list commands", (*shell).cmdHelp},
		"health":   {"health", "server health", (*shell).cmdHealth},
		"stats":    {"stats", "component statistics", (*shell).cmdStats},
		"list":     {"list", "list stores", (*shell).cmdList},
		"info":     {"info <id>", "show a store", (*shell).cmdInfo},
		"create":   {"create <id> [step=N] [start=T] [alpha=A] [beta=B] [period=N] [hw=ID]", "create a store", (*shell).cmdCreate},
		"delete":   {"delete <id>", "delete a store", (*shell).cmdDelete},
		"tune":     {"tune <id> <alpha|-> <beta|->", "replace smoothing constants, - keeps one", (*shell).cmdTune},
		"append":   {"append <id> <ts|now> <v1> .. <v6>", "record a sample, U for unknown", (*shell).cmdAppend},
		"query":    {"query <id> [start] [end] [res=N]", "print rows", (*shell).cmdQuery},
		"failures": {"failures <id> [start] [end]", "list failed rows", (*shell).cmdFailures},
		"summary":  {"summary <id> [start] [end] [res=N]", "aggregate a range", (*shell).cmdSummary},
		"forecast": {"forecast <id> [ts]", "predicted readings", (*shell).cmdForecast},
		"export":   {"export <id> [start] [end] [res=N]", "write a range to Parquet", (*shell).cmdExport},
		"sql":      {"sql <query>", "query exported files", (*shell).cmdSQL},
		"refresh":  {"refresh", "rebuild the hardware id cache", (*shell).cmdRefresh},
		"probes":   {"probes", "list probes", (*shell).cmdProbes},
		"probe":    {"probe add <id> [hw] [name] | probe rm <id>", "manage probes", (*shell).cmdProbe},
		"alerts":   {"alerts [id]", "list alert subscriptions", (*shell).cmdAlerts},
		"alert":    {"alert add <id> <address> | alert rm <alert-id>", "manage alert subscriptions", (*shell).cmdAlert},
	}
}

type shell struct {
	c   *client.Client
	out io.Writer
	now func() time.Time
}

func newShell(c *client.Client, out io.Writer) *shell {
	return &shell{c: c, out: out, now: time.Now}
}

var errUsage = errors.New("usage")

func (sh *shell) execute(args []string) error {
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	err := cmd.run(sh, args[1:])
	if errors.Is(err, errUsage) {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	return err
}

func (sh *shell) ctx() context.Context {
	return context.Background()
}

// complete suggests command names for the first word.
func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	s := make([]prompt.Suggest, 0, len(commands))
	for name, cmd := range commands {
		s = append(s, prompt.Suggest{Text: name, Description: cmd.help})
	}
	sort.Slice(s, func(i, j int) bool { return s[i].Text < s[j].Text })
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

// =============================================================================
// Argument parsing
// =============================================================================

// parseTime reads unix seconds, "now", or a duration relative to now such
// as -1h.
func (sh *shell) parseTime(s string) (int64, error) {
	if s == "now" {
		return sh.now().Unix(), nil
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ts, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad time %q: want unix seconds, now or a duration like -1h", s)
	}
	return sh.now().Add(d).Unix(), nil
}

// parseRange reads [start] [end] plus key=value options.
func (sh *shell) parseRange(args []string) (client.Range, error) {
	var r client.Range
	var pos []string
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			pos = append(pos, a)
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return r, fmt.Errorf("bad %s %q", k, v)
		}
		switch k {
		case "res":
			r.Resolution = n
		case "max":
			r.MaxPoints = int(n)
		default:
			return r, fmt.Errorf("unknown option %q", k)
		}
	}
	if len(pos) > 2 {
		return r, errUsage
	}
	var err error
	if len(pos) > 0 {
		if r.Start, err = sh.parseTime(pos[0]); err != nil {
			return r, err
		}
	}
	if len(pos) > 1 {
		if r.End, err = sh.parseTime(pos[1]); err != nil {
			return r, err
		}
	}
	return r, nil
}

func parseValue(s string) (float64, error) {
	if s == "U" || s == "u" {
		return rrd.Unknown(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func formatValue(p *float64) string {
	if p == nil {
		return "U"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func formatTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func (sh *shell) table(header []string, rows [][]string) {
	t := tablewriter.NewWriter(sh.out)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetBorder(false)
	t.AppendBulk(rows)
	t.Render()
}

// =============================================================================
// System
// =============================================================================

func (sh *shell) cmdHelp(_ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{commands[name].usage, commands[name].help})
	}
	sh.table([]string{"command", "description"}, rows)
	return nil
}

func (sh *shell) cmdHealth(_ []string) error {
	h, err := sh.c.Health(sh.ctx())
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "status %s, version %s, up %s, %d stores", h.Status, h.Version,
		time.Duration(h.Uptime)*time.Second, h.Stores)
	if h.Directory != "" {
		fmt.Fprintf(sh.out, ", directory %s", h.Directory)
	}
	fmt.Fprintln(sh.out)
	return nil
}

func (sh *shell) cmdStats(_ []string) error {
	stats, err := sh.c.Stats(sh.ctx())
	if err != nil {
		return err
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var fields map[string]any
		if err := json.Unmarshal(stats[name], &fields); err != nil {
			return err
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
		}
		fmt.Fprintf(sh.out, "%-9s %s\n", name, strings.Join(parts, " "))
	}
	return nil
}

func (sh *shell) cmdRefresh(_ []string) error {
	n, err := sh.c.RefreshCache(sh.ctx())
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "cache refreshed, %d routes\n", n)
	return nil
}

// =============================================================================
// Stores
// =============================================================================

func (sh *shell) cmdList(_ []string) error {
	stores, err := sh.c.ListStores(sh.ctx())
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(stores))
	for _, s := range stores {
		rows = append(rows, []string{s.SensorID, s.HardwareID, strconv.FormatInt(s.Step, 10), formatTime(s.LastUpdate)})
	}
	sh.table([]string{"sensor", "hardware id", "step", "last update"}, rows)
	return nil
}

func (sh *shell) printInfo(info rrd.StoreInfo) {
	fmt.Fprintf(sh.out, "sensor      %s\n", info.SensorID)
	if info.HardwareID != "" {
		fmt.Fprintf(sh.out, "hardware id %s\n", info.HardwareID)
	}
	fmt.Fprintf(sh.out, "start       %s\n", formatTime(info.Start))
	fmt.Fprintf(sh.out, "last update %s\n", formatTime(info.LastUpdate))
	fmt.Fprintf(sh.out, "step        %ds, period %ds\n", info.Step, info.Period)
	fmt.Fprintf(sh.out, "alpha       %g, beta %g\n", info.Alpha, info.Beta)
	for _, a := range info.Archives {
		fmt.Fprintf(sh.out, "archive     %s\n", a)
	}
}

func (sh *shell) cmdInfo(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	info, err := sh.c.GetStore(sh.ctx(), args[0])
	if err != nil {
		return err
	}
	sh.printInfo(info)
	return nil
}

func (sh *shell) cmdCreate(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	var o rrd.CreateOptions
	for _, a := range args[1:] {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return errUsage
		}
		var err error
		switch k {
		case "step":
			o.Step, err = strconv.ParseInt(v, 10, 64)
		case "start":
			o.Start, err = sh.parseTime(v)
		case "alpha":
			o.Alpha, err = strconv.ParseFloat(v, 64)
		case "beta":
			o.Beta, err = strconv.ParseFloat(v, 64)
		case "period":
			o.Period, err = strconv.ParseInt(v, 10, 64)
		case "hw":
			o.HardwareID = v
		default:
			return fmt.Errorf("unknown option %q", k)
		}
		if err != nil {
			return fmt.Errorf("bad %s %q", k, v)
		}
	}

	info, err := sh.c.CreateStore(sh.ctx(), args[0], o)
	if err != nil {
		return err
	}
	sh.printInfo(info)
	return nil
}

func (sh *shell) cmdDelete(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := sh.c.DeleteStore(sh.ctx(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "store %s deleted\n", args[0])
	return nil
}

func (sh *shell) cmdTune(args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	var consts [2]float64
	for i, a := range args[1:] {
		if a == "-" {
			continue
		}
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return errUsage
		}
		consts[i] = v
	}
	info, err := sh.c.Tune(sh.ctx(), args[0], consts[0], consts[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "store %s tuned: alpha %g, beta %g\n", info.SensorID, info.Alpha, info.Beta)
	return nil
}

func (sh *shell) cmdAppend(args []string) error {
	if len(args) != 2+rrd.NumChannels {
		return errUsage
	}
	ts, err := sh.parseTime(args[1])
	if err != nil {
		return err
	}
	var v rrd.Values
	for i := range v {
		if v[i], err = parseValue(args[2+i]); err != nil {
			return fmt.Errorf("bad %s value %q", rrd.Channel(i), args[2+i])
		}
	}
	return sh.c.Append(sh.ctx(), args[0], ts, v)
}

func (sh *shell) cmdQuery(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	r, err := sh.parseRange(args[1:])
	if err != nil {
		return err
	}
	series, err := sh.c.Series(sh.ctx(), args[0], r)
	if err != nil {
		return err
	}

	header := []string{"time"}
	for _, c := range rrd.Channels {
		header = append(header, c.String())
	}
	rows := make([][]string, 0, len(series.Rows))
	for _, row := range series.Rows {
		line := []string{formatTime(row.Timestamp)}
		for _, c := range rrd.Channels {
			line = append(line, formatValue(row.Values[c.String()]))
		}
		rows = append(rows, line)
	}
	sh.table(header, rows)
	fmt.Fprintf(sh.out, "%d rows at %ds\n", len(series.Rows), series.Step)
	return nil
}

func (sh *shell) cmdFailures(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	r, err := sh.parseRange(args[1:])
	if err != nil {
		return err
	}
	failures, err := sh.c.Failures(sh.ctx(), args[0], r)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		fmt.Fprintln(sh.out, "no failures")
		return nil
	}
	rows := make([][]string, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, []string{formatTime(f.Timestamp), strings.Join(f.Channels, ",")})
	}
	sh.table([]string{"time", "channels"}, rows)
	return nil
}

func (sh *shell) cmdSummary(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	r, err := sh.parseRange(args[1:])
	if err != nil {
		return err
	}
	sum, err := sh.c.Summary(sh.ctx(), args[0], r)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(sum.Channels))
	for _, cs := range sum.Channels {
		rows = append(rows, []string{
			cs.Channel,
			strconv.Itoa(cs.Known),
			strconv.Itoa(cs.Unknown),
			formatValue(cs.Min),
			formatValue(cs.Max),
			formatValue(cs.Average),
			formatValue(cs.Last),
			formatValue(cs.P95),
		})
	}
	sh.table([]string{"channel", "known", "unknown", "min", "max", "avg", "last", "p95"}, rows)
	fmt.Fprintf(sh.out, "%s to %s at %ds\n", formatTime(sum.Start), formatTime(sum.End), sum.Step)
	return nil
}

func (sh *shell) cmdForecast(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	var ts int64
	if len(args) == 2 {
		var err error
		if ts, err = sh.parseTime(args[1]); err != nil {
			return err
		}
	}
	fc, err := sh.c.Forecast(sh.ctx(), args[0], ts)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "forecast for %s at %s\n", fc.SensorID, formatTime(fc.Timestamp))
	for _, c := range rrd.Channels {
		fmt.Fprintf(sh.out, "  %-20s %s\n", c, formatValue(fc.Values[c.String()]))
	}
	return nil
}

func (sh *shell) cmdExport(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	r, err := sh.parseRange(args[1:])
	if err != nil {
		return err
	}
	exp, err := sh.c.Export(sh.ctx(), args[0], r)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d rows written to %s\n", exp.Rows, exp.Path)
	return nil
}

func (sh *shell) cmdSQL(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	rows, err := sh.c.ExportQuery(sh.ctx(), strings.Join(args, " "))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(sh.out, "no rows")
		return nil
	}

	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		line := make([]string, len(cols))
		for i, c := range cols {
			if row[c] == nil {
				line[i] = "NULL"
			} else {
				line[i] = fmt.Sprint(row[c])
			}
		}
		out = append(out, line)
	}
	sh.table(cols, out)
	return nil
}

// =============================================================================
// Directory
// =============================================================================

func (sh *shell) cmdProbes(_ []string) error {
	probes, err := sh.c.ListProbes(sh.ctx())
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(probes))
	for _, p := range probes {
		rows = append(rows, []string{strconv.FormatInt(p.ID, 10), p.SensorID, p.Name, p.HardwareID})
	}
	sh.table([]string{"id", "sensor", "name", "hardware id"}, rows)
	return nil
}

func (sh *shell) cmdProbe(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	switch args[0] {
	case "add":
		p := client.Probe{SensorID: args[1]}
		if len(args) > 2 {
			p.HardwareID = args[2]
		}
		if len(args) > 3 {
			p.Name = strings.Join(args[3:], " ")
		}
		created, err := sh.c.CreateProbe(sh.ctx(), p)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "probe %s added with id %d\n", created.SensorID, created.ID)
		return nil
	case "rm":
		if err := sh.c.DeleteProbe(sh.ctx(), args[1]); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "probe %s removed\n", args[1])
		return nil
	default:
		return errUsage
	}
}

func (sh *shell) cmdAlerts(args []string) error {
	if len(args) > 1 {
		return errUsage
	}
	var sensorID string
	if len(args) == 1 {
		sensorID = args[0]
	}
	alerts, err := sh.c.ListAlerts(sh.ctx(), sensorID)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, []string{strconv.FormatInt(a.ID, 10), a.SensorID, a.Address})
	}
	sh.table([]string{"id", "sensor", "address"}, rows)
	return nil
}

func (sh *shell) cmdAlert(args []string) error {
	switch {
	case len(args) == 3 && args[0] == "add":
		a, err := sh.c.AddAlert(sh.ctx(), args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "alert %d: %s -> %s\n", a.ID, a.SensorID, a.Address)
		return nil
	case len(args) == 2 && args[0] == "rm":
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return errUsage
		}
		if err := sh.c.RemoveAlert(sh.ctx(), id); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "alert %d removed\n", id)
		return nil
	default:
		return errUsage
	}
}

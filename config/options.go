package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bitbucket.org/creachadair/shell"
	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/hvboot/efi"
	"k8s.io/klog/v2"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// Options is the grammar of the load options string.
type Options struct {
	Mode        string `enum:"hypervisor,chainload" default:"hypervisor" help:"What to boot."`
	Cmdline     string `default:"${cmdline}" help:"Hypervisor command line."`
	Section     string `default:"${section}" help:"PE section holding the hypervisor."`
	LoadSize    string `default:"${load_size}" help:"Hypervisor region size as number[gGmMkK]."`
	EntryOffset string `default:"${entry}" help:"Entry point offset from the load base."`
	Loader      string `default:"${loader}" help:"OS loader started in chainload mode."`
	Retries     int    `default:"${retries}" help:"GetMemoryMap attempts before giving up."`
	Verbose     int    `short:"v" type:"counter" help:"Log verbosity."`
}

// Fields splits s with shell quoting rules. Backslashes are literal so UEFI
// paths survive, and trailing NUL padding from the firmware is dropped.
func Fields(s string) ([]string, error) {
	s = strings.TrimRight(s, "\x00")

	args, ok := shell.Split(strings.ReplaceAll(s, `\`, `\\`))
	if !ok {
		return nil, errUnterminatedQuote
	}

	return args, nil
}

// Parse builds the configuration from the firmware load options. A leading
// image name, as passed by the shell and most boot managers, is skipped.
func Parse(options string) (Config, error) {
	args, err := Fields(options)
	if err != nil {
		return Config{}, fmt.Errorf("%w: load options: %w", efi.InvalidParameter, err)
	}

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") && strings.HasSuffix(strings.ToLower(args[0]), ".efi") {
		args = args[1:]
	}

	def := Default()

	var o Options

	parser, err := kong.New(&o,
		kong.Name("hvboot"),
		kong.Description("hvboot loads a hypervisor from its own image and jumps to it."),
		kong.Exit(func(int) {}),
		kong.Writers(io.Discard, io.Discard),
		kong.Vars{
			"cmdline":   def.Cmdline,
			"section":   def.Section,
			"load_size": fmt.Sprintf("%#x", def.Load.Size),
			"entry":     fmt.Sprintf("%#x", def.EntryOffset),
			"loader":    def.Loader,
			"retries":   strconv.Itoa(def.MapAttempts),
		})
	if err != nil {
		return Config{}, err
	}

	if _, err := parser.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: load options: %w", efi.InvalidParameter, err)
	}

	return o.apply(def)
}

func (o *Options) apply(c Config) (Config, error) {
	size, err := ParseSize(o.LoadSize, "")
	if err != nil {
		return Config{}, fmt.Errorf("%w: load size: %w", efi.InvalidParameter, err)
	}

	entry, err := ParseSize(o.EntryOffset, "")
	if err != nil {
		return Config{}, fmt.Errorf("%w: entry offset: %w", efi.InvalidParameter, err)
	}

	if entry >= size {
		return Config{}, fmt.Errorf("%w: entry offset %#x outside %#x byte region", efi.InvalidParameter, entry, size)
	}

	if o.Retries < 1 {
		return Config{}, fmt.Errorf("%w: retries must be positive", efi.InvalidParameter)
	}

	c.Mode = Mode(o.Mode)
	c.Cmdline = o.Cmdline
	c.Section = o.Section
	c.Load.Size = size
	c.EntryOffset = entry
	c.Loader = o.Loader
	c.MapAttempts = o.Retries
	c.Verbosity = o.Verbose

	return c, nil
}

// SetVerbosity applies a klog verbosity level.
func SetVerbosity(v int) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)

	return fs.Set("v", strconv.Itoa(v))
}

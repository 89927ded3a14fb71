// Package mainboilerplate contains shared boilerplate of layerstore
// programs: configuration parsing, logging, diagnostics, and the assembly
// of a store from its configuration.
package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

var (
	// Version of the program, set at link time.
	Version = "development"
	// BuildDate of the program, set at link time.
	BuildDate = "unknown"
)

// MustParseConfig parses |parser| from an optional INI file named
// |configName|, from environment bindings, and then from flags. The INI file
// is looked for in the working directory, then in ~/.config/layerstore, and
// then under $LAYERSTORE_CONFIG_ROOT.
func MustParseConfig(parser *flags.Parser, configName string) {
	// Options of other programs may share the INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)

	for _, dir := range configDirs() {
		var path = filepath.Join(dir, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	MustParseArgs(parser)
}

func configDirs() []string {
	var dirs = []string{"."}

	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "layerstore"))
	}
	if root := os.Getenv("LAYERSTORE_CONFIG_ROOT"); root != "" {
		dirs = append(dirs, root)
	}
	return dirs
}

// MustParseArgs parses the program arguments with |parser|, exiting the
// process on any input error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// A malformed configuration struct, rather than bad input.
		panic(err)

	case flags.ErrCommandRequired:
		os.Stderr.WriteString("\n")
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
		os.Exit(1)

	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			parser.WriteHelp(os.Stderr)
			fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
		}
		os.Exit(0)

	default:
		// go-flags has already printed the input error.
		os.Exit(1)
	}
}

// AddPrintConfigCmd adds a "print-config" command to |parser|, which writes
// the combined configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, err := parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
	Must(err, "failed to add print-config command")
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	flags.NewIniParser(p.Parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}

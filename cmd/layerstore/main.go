package main

import (
	"github.com/jessevdk/go-flags"
	"go.layerstore.dev/core/coldstore"
	"go.layerstore.dev/core/coldstore/azure"
	"go.layerstore.dev/core/coldstore/fs"
	"go.layerstore.dev/core/coldstore/gcs"
	"go.layerstore.dev/core/coldstore/s3"
	mbp "go.layerstore.dev/core/mainboilerplate"
)

const iniFilename = "layerstore.ini"

// Config is the top-level configuration object of layerstore.
var Config = new(struct {
	Index mbp.IndexConfig `group:"Index" namespace:"index" env-namespace:"INDEX"`
	Store struct {
		mbp.StoreConfig
		FileRoot string `long:"file-root" env:"FILE_ROOT" description:"Local path which roots file:// cold stores"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.LongDescription = `layerstore manages a layered, archivable file store.

Files are written to the newest (top) layer. Rolling over seals the top layer
and archives it into an immutable container in the background, which may also
be offloaded to cold stores. Reads resolve each path to the newest layer which
holds it.

Optionally configure layerstore with a '` + iniFilename + `' file in the current
working directory, or with '~/.config/layerstore/` + iniFilename + `'. Use the
'print-config' sub-command to inspect the tool's current configuration.
`
	var layers = mustAddCmd(parser.Command, "layers", "Inspect and manage layers", "", &struct{}{})
	mustAddCmd(layers, "list", "List layers", `
List all layers with their state and on-disk size.

Results can be output in a variety of --format options:
table: Prints as a table.
json:  Prints layers encoded as JSON, one per line.
yaml:  Prints a YAML sequence of layers.
`, &cmdLayersList{})
	mustAddCmd(layers, "rollover", "Open a new top layer", `
Seal the current top layer, open a new one, and wait for the sealed layer
to be archived.
`, &cmdLayersRollover{})
	mustAddCmd(layers, "archive", "Archive stranded layers", `
Resubmit each layer which is closed but not archived, such as layers whose
archival previously failed, and wait for their archival.
`, &cmdLayersArchive{})
	mustAddCmd(layers, "restore", "Restore a container from a cold store", `
Fetch the container of an archived layer from a cold store into the archive
root. Use when the local container was lost.
`, &cmdLayersRestore{})

	mustAddCmd(parser.Command, "put", "Write a file", "Write the content of a local file (or '-' for stdin) to a path of the store.", &cmdPut{})
	mustAddCmd(parser.Command, "get", "Read a file", "Write the content of a path of the store to stdout.", &cmdGet{})
	mustAddCmd(parser.Command, "ls", "List a directory", "List the children of a directory of the store.", &cmdList{})
	mustAddCmd(parser.Command, "rm", "Remove files or directories", "Remove files, or directories with --recursive, from every layer of the store.", &cmdRemove{})
	mustAddCmd(parser.Command, "mkdir", "Create directories", "Create a directory of the store and its ancestors.", &cmdMkdir{})
	mustAddCmd(parser.Command, "serve", "Hold the store open, rolling over periodically", `
Serve holds the store open, rolls over to a new top layer on each --interval,
and serves diagnostics. Archive failures are logged. On SIGTERM or SIGINT,
serve waits for pending archive jobs before exiting.
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func mustAddCmd(cmd *flags.Command, name, short, long string, data interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, data)
	mbp.Must(err, "failed to add command", "name", name)
	return cmd
}

// startup initializes logging and cold store providers, and opens the store.
func startup() *mbp.Store {
	mbp.InitLog(Config.Log)

	if Config.Store.FileRoot != "" {
		fs.FileSystemStoreRoot = Config.Store.FileRoot
	}
	coldstore.RegisterProviders(map[string]coldstore.Constructor{
		"azure":    azure.New,
		"azure-ad": azure.NewAD,
		"file":     fs.New,
		"gs":       gcs.New,
		"s3":       s3.New,
	})
	return mbp.MustOpenStore(Config.Index, Config.Store.StoreConfig)
}

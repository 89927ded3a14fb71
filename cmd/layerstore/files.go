package main

import (
	"fmt"
	"io"
	"os"

	"go.layerstore.dev/core/errdefs"
	"go.layerstore.dev/core/index"
	mbp "go.layerstore.dev/core/mainboilerplate"
	"go.layerstore.dev/core/storage"
)

type cmdPut struct {
	Args struct {
		Path string `positional-arg-name:"PATH" description:"Path of the store to write"`
		File string `positional-arg-name:"FILE" description:"Local file to read, or '-' for stdin"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *cmdPut) Execute([]string) error {
	var s = startup()
	defer s.Close()

	var b []byte
	var err error

	if cmd.Args.File == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(cmd.Args.File)
	}
	if err != nil {
		return err
	}
	ensureTopLayer(s)
	return s.Write(cmd.Args.Path, b)
}

type cmdGet struct {
	Args struct {
		Path string `positional-arg-name:"PATH" description:"Path of the store to read"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *cmdGet) Execute([]string) error {
	var s = startup()
	defer s.Close()

	var rc, err = s.Read(cmd.Args.Path)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(os.Stdout, rc)
	return err
}

type cmdList struct {
	Recursive bool `long:"recursive" short:"r" description:"List all descendants, rather than only children"`
	Args      struct {
		Path string `positional-arg-name:"PATH" description:"Directory of the store to list. Defaults to the root"`
	} `positional-args:"yes"`
}

func (cmd *cmdList) Execute([]string) error {
	var s = startup()
	defer s.Close()

	var listing []storage.Listing
	var err error

	if cmd.Recursive {
		listing, err = s.ListRecursive(cmd.Args.Path)
	} else {
		listing, err = s.ListDirectory(cmd.Args.Path)
	}
	if err != nil {
		return err
	}
	for _, entry := range listing {
		if entry.Type == index.Directory {
			fmt.Println(entry.Name + "/")
		} else {
			fmt.Println(entry.Name)
		}
	}
	return nil
}

type cmdRemove struct {
	Recursive bool `long:"recursive" short:"r" description:"Remove directories and everything beneath them"`
	Args      struct {
		Paths []string `positional-arg-name:"PATH" description:"Paths of the store to remove" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *cmdRemove) Execute([]string) error {
	var s = startup()
	defer s.Close()

	if !cmd.Recursive {
		return s.DeleteFiles(cmd.Args.Paths)
	}
	for _, path := range cmd.Args.Paths {
		if err := s.DeleteDirectory(path); err != nil {
			return err
		}
	}
	return nil
}

type cmdMkdir struct {
	Args struct {
		Path string `positional-arg-name:"PATH" description:"Directory of the store to create"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *cmdMkdir) Execute([]string) error {
	var s = startup()
	defer s.Close()

	ensureTopLayer(s)
	return s.CreateDirectories(cmd.Args.Path)
}

// ensureTopLayer opens a first top layer of a new store.
func ensureTopLayer(s *mbp.Store) {
	if _, err := s.Manager.GetTopLayer(); errdefs.IsNotFound(err) {
		_, _, err = s.Manager.NewTopLayer()
		mbp.Must(err, "failed to open initial top layer")
	}
}

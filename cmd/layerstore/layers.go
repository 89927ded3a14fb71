package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.layerstore.dev/core/async"
	"go.layerstore.dev/core/coldstore"
	"go.layerstore.dev/core/layer"
	mbp "go.layerstore.dev/core/mainboilerplate"
	"go.layerstore.dev/core/manager"
	"gopkg.in/yaml.v2"
)

type cmdLayersList struct {
	Format string `long:"format" short:"o" choice:"table" choice:"json" choice:"yaml" default:"table" description:"Output format"`
}

// layerInfo is the listed form of a layer.
type layerInfo struct {
	ID      int64     `json:"id" yaml:"id"`
	State   string    `json:"state" yaml:"state"`
	Created time.Time `json:"created" yaml:"created"`
	Bytes   int64     `json:"bytes" yaml:"bytes"`
	Path    string    `json:"path" yaml:"path"`
}

func (cmd *cmdLayersList) Execute([]string) error {
	var s = startup()
	defer s.Close()

	var infos []layerInfo
	for _, l := range s.Manager.Layers() {
		var info, err = describeLayer(l)
		mbp.Must(err, "failed to describe layer", "layer", l.ID())
		infos = append(infos, info)
	}
	return writeLayers(os.Stdout, cmd.Format, infos)
}

func writeLayers(w io.Writer, format string, infos []layerInfo) error {
	switch format {
	case "json":
		var enc = json.NewEncoder(w)
		for _, info := range infos {
			if err := enc.Encode(info); err != nil {
				return err
			}
		}
	case "yaml":
		var b, err = yaml.Marshal(infos)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	default:
		var table = tablewriter.NewWriter(w)
		table.Header("ID", "State", "Created", "Size", "Path")

		for _, info := range infos {
			if err := table.Append([]string{
				strconv.FormatInt(info.ID, 10),
				info.State,
				humanize.Time(info.Created),
				humanize.IBytes(uint64(info.Bytes)),
				info.Path,
			}); err != nil {
				return err
			}
		}
		return table.Render()
	}
	return nil
}

// describeLayer sizes the container of an Archived layer, or the staging
// tree of any other.
func describeLayer(l *layer.Layer) (layerInfo, error) {
	var info = layerInfo{
		ID:      l.ID(),
		State:   l.State().String(),
		Created: time.UnixMilli(l.ID()), // IDs are allocated from the wall clock.
	}
	var fs = afero.NewOsFs()

	if l.State() == layer.Archived {
		info.Path = l.Container().Path()

		var fi, err = fs.Stat(info.Path)
		if err != nil {
			return info, err
		}
		info.Bytes = fi.Size()
		return info, nil
	}

	info.Path = l.StagingDir()
	var err = afero.Walk(fs, info.Path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		} else if !fi.IsDir() {
			info.Bytes += fi.Size()
		}
		return nil
	})
	return info, err
}

type cmdLayersRollover struct{}

func (cmd *cmdLayersRollover) Execute([]string) error {
	var s = startup()
	defer s.Close()

	var top, op, err = s.Manager.NewTopLayer()
	if err != nil {
		return err
	}
	log.WithField("layer", top.ID()).Info("opened new top layer")

	if op != nil {
		<-op.Done()
		if err = op.Err(); err != nil {
			return errors.WithMessage(err, "archiving previous top layer")
		}
	}
	fmt.Println(top.ID())
	return nil
}

type cmdLayersArchive struct{}

func (cmd *cmdLayersArchive) Execute([]string) error {
	var s = startup()
	defer s.Close()

	var pending = s.Manager.PendingArchival()
	var ops = make([]*async.Operation, len(pending))

	for i, l := range pending {
		ops[i] = s.Manager.Archive(l.ID())
	}

	var failed int
	for i, op := range ops {
		<-op.Done()
		if err := op.Err(); err != nil {
			log.WithFields(log.Fields{"layer": pending[i].ID(), "err": err}).Error("archive failed")
			failed++
		} else {
			fmt.Println(pending[i].ID())
		}
	}
	if failed != 0 {
		return fmt.Errorf("%d of %d layers failed to archive", failed, len(pending))
	}
	return nil
}

type cmdLayersRestore struct {
	ID   int64  `long:"id" required:"true" description:"ID of the layer to restore"`
	From string `long:"from" required:"true" description:"Cold store URL to restore from (eg, s3://bucket/prefix/)"`
}

func (cmd *cmdLayersRestore) Execute([]string) error {
	var s = startup()
	defer s.Close()

	var store, err = coldstore.Get(cmd.From)
	if err != nil {
		return err
	}
	var name = manager.ContainerName(cmd.ID)
	var dest = Config.Store.ArchiveRoot + "/" + name
	var fs = afero.NewOsFs()

	if ok, err := afero.Exists(fs, dest); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("container %s already exists", dest)
	}

	// Restore to a partial file, which is then renamed into place.
	var partial = dest + ".restoring"
	f, err := fs.Create(partial)
	if err != nil {
		return err
	}
	defer fs.Remove(partial)

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err = coldstore.Restore(ctx, store, name, f); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = fs.Rename(partial, dest)
	}
	if err != nil {
		return err
	}

	l, err := s.Manager.GetLayer(cmd.ID)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"layer": l.ID(), "state": l.State(), "container": dest}).Info("restored container")
	return nil
}

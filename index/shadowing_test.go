package index

import (
	"testing"

	gc "gopkg.in/check.v1"
)

type ShadowingSuite struct {
	idx *Index
}

func (s *ShadowingSuite) SetUpTest(c *gc.C) {
	var err error
	s.idx, err = Open("sqlite3", ":memory:")
	c.Assert(err, gc.IsNil)
}

func (s *ShadowingSuite) TearDownTest(c *gc.C) {
	c.Check(s.idx.Close(), gc.IsNil)
}

func (s *ShadowingSuite) TestNewestLayerWinsInListings(c *gc.C) {
	// Layers are recorded out of order. Visibility is still ordered by ID.
	s.addFile(c, 3, "a/x.txt")
	s.addFile(c, 1, "a/x.txt")
	s.addFile(c, 1, "a/y.txt")
	s.addFile(c, 2, "a/b/z.txt")
	s.addFile(c, 2, "a/y.txt")

	var recs, err = s.idx.ListDirectory("a")
	c.Assert(err, gc.IsNil)
	c.Check(layerByPath(recs), gc.DeepEquals, map[string]int64{
		"a/b":     2,
		"a/x.txt": 3,
		"a/y.txt": 2,
	})

	recs, err = s.idx.ListRecursive("a")
	c.Assert(err, gc.IsNil)
	c.Check(layerByPath(recs), gc.DeepEquals, map[string]int64{
		"a/b":       2,
		"a/b/z.txt": 2,
		"a/x.txt":   3,
		"a/y.txt":   2,
	})

	recs, err = s.idx.ListRecursive("")
	c.Assert(err, gc.IsNil)
	c.Check(layerByPath(recs), gc.DeepEquals, map[string]int64{
		"a":         3,
		"a/b":       2,
		"a/b/z.txt": 2,
		"a/x.txt":   3,
		"a/y.txt":   2,
	})
}

func (s *ShadowingSuite) TestRootNeverListsItself(c *gc.C) {
	s.addFile(c, 1, "top.txt")
	s.addFile(c, 1, "d/nested.txt")

	var recs, err = s.idx.ListDirectory("")
	c.Assert(err, gc.IsNil)
	c.Check(paths(recs), gc.DeepEquals, []string{"d", "top.txt"})

	recs, err = s.idx.ListDirectory("d")
	c.Assert(err, gc.IsNil)
	c.Check(paths(recs), gc.DeepEquals, []string{"d/nested.txt"})
}

func (s *ShadowingSuite) TestDeletionUncoversOlderLayer(c *gc.C) {
	s.addFile(c, 1, "a/x.txt")
	s.addFile(c, 2, "a/x.txt")

	var recs, err = s.idx.GetByLayerAndPaths(2, []string{"a/x.txt"})
	c.Assert(err, gc.IsNil)
	c.Assert(s.idx.DeleteRecords(recs), gc.IsNil)

	recs, err = s.idx.ListDirectory("a")
	c.Assert(err, gc.IsNil)
	c.Check(layerByPath(recs), gc.DeepEquals, map[string]int64{"a/x.txt": 1})
}

func (s *ShadowingSuite) TestDirectoryListedWhileEmpty(c *gc.C) {
	var _, err = s.idx.AddDirectory(5, "empty/dir")
	c.Assert(err, gc.IsNil)

	recs, err := s.idx.ListDirectory("empty/dir")
	c.Check(err, gc.IsNil)
	c.Check(recs, gc.HasLen, 0)
}

func (s *ShadowingSuite) addFile(c *gc.C, layerID int64, path string) {
	var _, err = s.idx.AddDirectory(layerID, parentOf(path))
	c.Assert(err, gc.IsNil)
	_, err = s.idx.AddFile(layerID, path)
	c.Assert(err, gc.IsNil)
}

func layerByPath(recs []Record) map[string]int64 {
	var out = make(map[string]int64)
	for _, r := range recs {
		out[r.Path] = r.LayerID
	}
	return out
}

var _ = gc.Suite(&ShadowingSuite{})

func Test(t *testing.T) { gc.TestingT(t) }

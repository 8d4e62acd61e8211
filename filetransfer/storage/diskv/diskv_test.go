package diskv

import (
	"testing"

	"github.com/edgecmd/edgecmd/filetransfer/storage"
	"github.com/edgecmd/edgecmd/filetransfer/storage/test"
)

func TestDiskv(t *testing.T) {
	s := New(t.TempDir())
	test.TestStorage(t, func() storage.Storage { return s })
}
